package ledger

import (
	"encoding/json"
	"time"
)

// Record is the constraint on ledger payloads. Payload types should be plain
// structs (no map fields) so encoding/json produces a canonical byte form.
type Record interface {
	Time() time.Time
}

// Entry is one immutable link in the chain.
type Entry[T Record] struct {
	Sequence     uint64 `json:"sequence"`
	Data         T      `json:"data"`
	PreviousHash string `json:"previous_hash"`
	Hash         string `json:"hash"`
}

// ExportEntry is the canonical serialized form of an entry. Data holds the
// exact bytes that were digested.
type ExportEntry struct {
	Sequence     uint64          `json:"sequence"`
	Data         json.RawMessage `json:"data"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
}

// Summary describes the chain without walking it.
type Summary struct {
	Length         uint64    `json:"length"`
	FirstTimestamp time.Time `json:"first_timestamp"`
	LastTimestamp  time.Time `json:"last_timestamp"`
	LastHash       string    `json:"last_hash"`
}

func toExport[T Record](e Entry[T]) (ExportEntry, error) {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return ExportEntry{}, err
	}
	return ExportEntry{
		Sequence:     e.Sequence,
		Data:         raw,
		PreviousHash: e.PreviousHash,
		Hash:         e.Hash,
	}, nil
}

// Decode converts exported entries back into typed entries.
func Decode[T Record](entries []ExportEntry) ([]Entry[T], error) {
	out := make([]Entry[T], 0, len(entries))
	for _, e := range entries {
		var data T
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return nil, err
		}
		out = append(out, Entry[T]{
			Sequence:     e.Sequence,
			Data:         data,
			PreviousHash: e.PreviousHash,
			Hash:         e.Hash,
		})
	}
	return out, nil
}

// Summarize computes a Summary from a full entry list, for offline exports.
func Summarize[T Record](entries []Entry[T]) Summary {
	if len(entries) == 0 {
		return Summary{}
	}
	return Summary{
		Length:         uint64(len(entries)),
		FirstTimestamp: entries[0].Data.Time(),
		LastTimestamp:  entries[len(entries)-1].Data.Time(),
		LastHash:       entries[len(entries)-1].Hash,
	}
}
