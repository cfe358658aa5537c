// Package activity keeps an append-only audit trail of noteworthy actions in
// a JSON file, newest first. Writes happen on a background worker so callers
// never block on disk.
package activity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cashflowdash/chatbridge/internal/slogging"
)

// Entry statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Entry is one recorded action.
type Entry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	ActionType   string         `json:"actionType"`
	Description  string         `json:"description"`
	Details      map[string]any `json:"details,omitempty"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Source       string         `json:"source,omitempty"`
}

type document struct {
	Logs []Entry `json:"logs"`
}

// Logger records entries asynchronously to a capped JSON file.
type Logger struct {
	path       string
	maxEntries int
	logger     *slogging.Logger

	ch   chan Entry
	done chan struct{}

	closeOnce sync.Once
}

// New starts a logger writing to path, retaining at most maxEntries records.
func New(path string, maxEntries int, logger *slogging.Logger) *Logger {
	if logger == nil {
		logger = slogging.Get()
	}
	if maxEntries <= 0 {
		maxEntries = 2000
	}
	l := &Logger{
		path:       path,
		maxEntries: maxEntries,
		logger:     logger,
		ch:         make(chan Entry, 128),
		done:       make(chan struct{}),
	}
	go l.worker()
	return l
}

// Log enqueues an entry, filling in ID, timestamp and status defaults. It
// never blocks; if the worker is backed up the entry is dropped with a
// warning.
func (l *Logger) Log(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	select {
	case l.ch <- e:
	default:
		l.logger.Warn("activity log queue full, dropping entry: action=%s", e.ActionType)
	}
}

// Record is shorthand for a successful action with just a type and
// description.
func (l *Logger) Record(actionType, description string) {
	l.Log(Entry{ActionType: actionType, Description: description})
}

// Close stops the worker after draining queued entries.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		close(l.ch)
	})
	<-l.done
}

func (l *Logger) worker() {
	defer close(l.done)
	for e := range l.ch {
		if err := l.persist(e); err != nil {
			l.logger.Error("activity log write failed: %v", err)
		}
	}
}

func (l *Logger) persist(e Entry) error {
	var doc document
	data, err := os.ReadFile(l.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", l.path, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			// A corrupt trail is not worth failing over; start fresh.
			l.logger.Warn("activity log file unreadable, resetting: %v", err)
			doc = document{}
		}
	}

	doc.Logs = append([]Entry{e}, doc.Logs...)
	if len(doc.Logs) > l.maxEntries {
		doc.Logs = doc.Logs[:l.maxEntries]
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	out, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding activity log: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replacing %s: %w", l.path, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (l *Logger) Recent(limit int) ([]Entry, error) {
	var doc document
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", l.path, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", l.path, err)
		}
	}
	if limit > 0 && len(doc.Logs) > limit {
		doc.Logs = doc.Logs[:limit]
	}
	return doc.Logs, nil
}
