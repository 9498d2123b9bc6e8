package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Sink persists entries as they are linked. Write is called from the append
// queue, so sinks see entries in chain order and need no ordering of their own.
type Sink interface {
	Name() string
	Write(ExportEntry) error
	Close() error
}

// FileSink mirrors the chain to a JSONL file, one ExportEntry per line,
// synced after every write.
type FileSink struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// OpenFileSink creates (or appends to) the JSONL file at path.
func OpenFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("ledger: create directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("ledger: open file: %w", err)
	}
	return &FileSink{path: path, file: file}, nil
}

// SessionFilePath is the JSONL file for one console session under dir.
func SessionFilePath(dir, sessionID string) string {
	return filepath.Join(dir, "ledger-"+sessionID+".jsonl")
}

func (s *FileSink) Name() string { return "file" }

// Path returns the file location.
func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Write(e ExportEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("ledger: marshal line: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("ledger: write line: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("ledger: sync: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
