package ledger

import (
	"bufio"
	"bytes"
	"crypto"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid         bool    `json:"valid"`
	Entries       int     `json:"entries"`
	FirstBadIndex *uint64 `json:"first_bad_index,omitempty"`
	Error         string  `json:"error,omitempty"`
}

func broken(index int, total int, format string, args ...any) VerifyResult {
	i := uint64(index)
	return VerifyResult{
		Entries:       total,
		FirstBadIndex: &i,
		Error:         fmt.Sprintf(format, args...),
	}
}

// verifyEntries recomputes each link from stored data and the previous
// stored hash.
func verifyEntries(digest crypto.Hash, entries []ExportEntry) VerifyResult {
	prefix := DigestName(digest)
	expectedPrev := GenesisHash(digest)
	for i, e := range entries {
		if e.Sequence != uint64(i) {
			return broken(i, len(entries), "sequence is %d, expected %d", e.Sequence, i)
		}
		if e.PreviousHash != expectedPrev {
			return broken(i, len(entries), "previous_hash mismatch: expected %s, got %s", expectedPrev, e.PreviousHash)
		}
		if got := hashWith(digest, prefix, e.Data, e.PreviousHash); got != e.Hash {
			return broken(i, len(entries), "hash mismatch: computed %s, stored %s", got, e.Hash)
		}
		expectedPrev = e.Hash
	}
	return VerifyResult{Valid: true, Entries: len(entries)}
}

// VerifyExport validates exported entries. The digest is taken from the
// genesis entry's hash prefix.
func VerifyExport(entries []ExportEntry) VerifyResult {
	if len(entries) == 0 {
		return VerifyResult{Valid: true}
	}
	name, _, ok := strings.Cut(entries[0].Hash, ":")
	if !ok {
		return broken(0, len(entries), "hash %q has no digest prefix", entries[0].Hash)
	}
	digest, err := DigestFromName(name)
	if err != nil {
		return broken(0, len(entries), "%v", err)
	}
	return verifyEntries(digest, entries)
}

// ReadExport parses either a JSON array export or a JSONL sink file.
func ReadExport(r io.Reader) ([]ExportEntry, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read export: %w", err)
	}

	if first == '[' {
		var entries []ExportEntry
		if err := json.NewDecoder(br).Decode(&entries); err != nil {
			return nil, fmt.Errorf("ledger: parse export: %w", err)
		}
		return entries, nil
	}

	var entries []ExportEntry
	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e ExportEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("ledger: parse line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan export: %w", err)
	}
	return entries, nil
}

// ReadExportFile opens path and calls ReadExport.
func ReadExportFile(path string) ([]ExportEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open export: %w", err)
	}
	defer f.Close()
	return ReadExport(f)
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
