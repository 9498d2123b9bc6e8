// Package ledger implements the tamper-evident audit chain.
//
// Each entry's hash is Digest(canonical JSON of data || previous hash), so
// editing, dropping, or inserting any entry breaks every later link. Appends
// are served by a single queue goroutine: one append, digest included,
// completes before the next begins.
package ledger

import (
	"context"
	"crypto"
	_ "crypto/sha256" // registers SHA-224/256
	_ "crypto/sha512" // registers SHA-384/512
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/hitlwatch/internal/observability"
)

var (
	ErrDigestUnavailable = errors.New("ledger: digest unavailable")
	ErrClosed            = errors.New("ledger: closed")
)

// Config configures a Ledger.
type Config struct {
	// Digest defaults to SHA-256.
	Digest crypto.Hash
	// Sinks receive every entry in chain order, genesis included.
	Sinks  []Sink
	Logger *zerolog.Logger
}

type appendResult[T Record] struct {
	entry Entry[T]
	err   error
}

type appendRequest[T Record] struct {
	data  T
	reply chan appendResult[T]
}

// Ledger is an in-memory hash chain with optional persistence sinks.
type Ledger[T Record] struct {
	digest  crypto.Hash
	prefix  string
	genesis string
	sinks   []Sink
	log     zerolog.Logger

	queue     chan appendRequest[T]
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	entries []Entry[T]
	summary Summary
}

// New creates a ledger whose genesis entry carries the given data and starts
// the append queue. It fails only when the digest is not linked in.
func New[T Record](genesis T, cfg Config) (*Ledger[T], error) {
	digest := cfg.Digest
	if digest == 0 {
		digest = crypto.SHA256
	}
	if !digest.Available() {
		return nil, fmt.Errorf("%w: %v", ErrDigestUnavailable, digest)
	}
	logger := observability.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger
	}

	prefix := DigestName(digest)
	l := &Ledger[T]{
		digest:  digest,
		prefix:  prefix,
		genesis: GenesisHash(digest),
		sinks:   cfg.Sinks,
		log:     logger.With().Str("component", "ledger").Logger(),
		queue:   make(chan appendRequest[T]),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if _, err := l.extend(genesis); err != nil {
		return nil, fmt.Errorf("ledger: genesis: %w", err)
	}
	go l.run()
	return l, nil
}

// Append links data to the current tail. Concurrent callers are served in
// queue order; none of them can observe the same tail.
func (l *Ledger[T]) Append(ctx context.Context, data T) (Entry[T], error) {
	req := appendRequest[T]{data: data, reply: make(chan appendResult[T], 1)}
	select {
	case l.queue <- req:
	case <-l.quit:
		return Entry[T]{}, ErrClosed
	case <-ctx.Done():
		return Entry[T]{}, ctx.Err()
	}
	// Accepted requests are always completed, so wait regardless of ctx.
	res := <-req.reply
	return res.entry, res.err
}

func (l *Ledger[T]) run() {
	defer close(l.done)
	for {
		select {
		case req := <-l.queue:
			entry, err := l.extend(req.data)
			req.reply <- appendResult[T]{entry: entry, err: err}
		case <-l.quit:
			return
		}
	}
}

// extend is only called from New (before run starts) and from run.
func (l *Ledger[T]) extend(data T) (Entry[T], error) {
	start := time.Now()
	raw, err := json.Marshal(data)
	if err != nil {
		return Entry[T]{}, fmt.Errorf("ledger: marshal entry: %w", err)
	}

	l.mu.RLock()
	prev := l.genesis
	seq := uint64(len(l.entries))
	if seq > 0 {
		prev = l.entries[seq-1].Hash
	}
	l.mu.RUnlock()

	entry := Entry[T]{
		Sequence:     seq,
		Data:         data,
		PreviousHash: prev,
		Hash:         l.hash(raw, prev),
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if seq == 0 {
		l.summary.FirstTimestamp = data.Time()
	}
	l.summary.Length = seq + 1
	l.summary.LastTimestamp = data.Time()
	l.summary.LastHash = entry.Hash
	l.mu.Unlock()

	observability.RecordLedgerAppend(time.Since(start))
	l.writeSinks(ExportEntry{Sequence: seq, Data: raw, PreviousHash: prev, Hash: entry.Hash})
	return entry, nil
}

// Sink failures never block the chain; the in-memory chain stays authoritative.
func (l *Ledger[T]) writeSinks(e ExportEntry) {
	for _, s := range l.sinks {
		if err := s.Write(e); err != nil {
			observability.RecordLedgerSinkError(s.Name())
			l.log.Warn().Err(err).Str("sink", s.Name()).Uint64("sequence", e.Sequence).Msg("ledger sink write failed")
		}
	}
}

func (l *Ledger[T]) hash(raw []byte, prev string) string {
	return hashWith(l.digest, l.prefix, raw, prev)
}

// Verify walks a snapshot of the chain and recomputes every link. It has no
// side effects: the same snapshot always yields the same result.
func (l *Ledger[T]) Verify() VerifyResult {
	exported, err := l.exportEntries()
	if err != nil {
		return VerifyResult{Error: err.Error()}
	}
	return verifyEntries(l.digest, exported)
}

// Export returns the canonical JSON array of the full chain.
func (l *Ledger[T]) Export() ([]byte, error) {
	exported, err := l.exportEntries()
	if err != nil {
		return nil, err
	}
	return json.Marshal(exported)
}

func (l *Ledger[T]) exportEntries() ([]ExportEntry, error) {
	snapshot := l.Entries()
	out := make([]ExportEntry, 0, len(snapshot))
	for _, e := range snapshot {
		x, err := toExport(e)
		if err != nil {
			return nil, fmt.Errorf("ledger: export entry %d: %w", e.Sequence, err)
		}
		out = append(out, x)
	}
	return out, nil
}

// Summary is O(1); it never re-walks the chain.
func (l *Ledger[T]) Summary() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.summary
}

// Entries returns a copy of the chain.
func (l *Ledger[T]) Entries() []Entry[T] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry[T], len(l.entries))
	copy(out, l.entries)
	return out
}

// Tail returns up to n most recent entries.
func (l *Ledger[T]) Tail(n int) []Entry[T] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := len(l.entries) - n
	if start < 0 {
		start = 0
	}
	out := make([]Entry[T], len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// Digest reports the hash algorithm name used in entry hashes.
func (l *Ledger[T]) Digest() string {
	return l.prefix
}

// Close stops the append queue and closes all sinks.
func (l *Ledger[T]) Close() error {
	var errs []error
	l.closeOnce.Do(func() {
		close(l.quit)
		<-l.done
		for _, s := range l.sinks {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// DigestName is the lowercase algorithm tag used as the hash prefix.
func DigestName(h crypto.Hash) string {
	return strings.ToLower(strings.ReplaceAll(h.String(), "-", ""))
}

// GenesisHash is the sentinel previous_hash of the first entry.
func GenesisHash(h crypto.Hash) string {
	return DigestName(h) + ":" + strings.Repeat("0", h.Size()*2)
}

// DigestFromName maps a hash prefix back to its algorithm.
func DigestFromName(name string) (crypto.Hash, error) {
	for _, h := range []crypto.Hash{crypto.SHA256, crypto.SHA384, crypto.SHA512} {
		if DigestName(h) == strings.ToLower(strings.TrimSpace(name)) {
			return h, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown digest %q", ErrDigestUnavailable, name)
}

func hashWith(h crypto.Hash, prefix string, raw []byte, prev string) string {
	d := h.New()
	d.Write(raw)
	d.Write([]byte(prev))
	return prefix + ":" + hex.EncodeToString(d.Sum(nil))
}
