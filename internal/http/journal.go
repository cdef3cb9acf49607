package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/secrets"
)

// Entry is one journaled automation request.
type Entry struct {
	RequestID      string    `json:"request_id"`
	ProjectID      string    `json:"project_id"`
	Action         string    `json:"action"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Journal persists accepted automation requests before they are handed to
// the asynchronous dispatcher. One JSON line per request, scrubbed before
// it reaches disk.
type Journal struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	scrubber secrets.Scrubber
}

// OpenJournal opens (or creates) the append-only journal at path.
func OpenJournal(path string, scrubber secrets.Scrubber) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if scrubber == nil {
		return nil, errors.New("scrubber cannot be nil")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &Journal{f: f, path: path, scrubber: scrubber}, nil
}

// Append writes one entry and syncs it to disk.
func (j *Journal) Append(entry *Entry) error {
	if entry == nil {
		return errors.New("journal entry is nil")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}
	line := j.scrubber.ScrubBytes(data).Scrubbed

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return errors.New("journal is closed")
	}
	if _, err := j.f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	return j.f.Sync()
}

// Path returns the journal file location.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the journal file. Further appends fail.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}
