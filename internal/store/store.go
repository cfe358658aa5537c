// Package store provides file-backed persistence for the dashboard's
// cashflow entries and tasks. Each store serializes its full collection to a
// JSON document and replaces the file atomically on every mutation.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when an ID does not match any stored record.
var ErrNotFound = errors.New("record not found")

// Cashflow entry types.
const (
	EntryIncome  = "income"
	EntryExpense = "expense"
)

// Task statuses.
const (
	TaskPending   = "pending"
	TaskCompleted = "completed"
)

// CashflowEntry is a single income or expense record.
type CashflowEntry struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category,omitempty"`
	Description string          `json:"description,omitempty"`
	Date        string          `json:"date"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Task is a single to-do item.
type Task struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	DueDate   string    `json:"dueDate,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// jsonFile serializes access to one JSON document on disk.
type jsonFile struct {
	path string
	mu   sync.Mutex
}

func (f *jsonFile) load(v any) error {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", f.path, err)
	}
	return nil
}

// save writes to a sibling temp file and renames it over the target so a
// crash mid-write never leaves a truncated document behind.
func (f *jsonFile) save(v any) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", f.path, err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replacing %s: %w", f.path, err)
	}
	return nil
}

// CashflowStore persists cashflow entries in one JSON file.
type CashflowStore struct {
	file jsonFile
}

// NewCashflowStore opens (or lazily creates) the store at path.
func NewCashflowStore(path string) *CashflowStore {
	return &CashflowStore{file: jsonFile{path: path}}
}

type cashflowDocument struct {
	Entries []CashflowEntry `json:"entries"`
}

// GetAll returns every entry, oldest first.
func (s *CashflowStore) GetAll() ([]CashflowEntry, error) {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()
	var doc cashflowDocument
	if err := s.file.load(&doc); err != nil {
		return nil, err
	}
	return doc.Entries, nil
}

// Append adds an entry and persists the collection.
func (s *CashflowStore) Append(entry CashflowEntry) error {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()
	var doc cashflowDocument
	if err := s.file.load(&doc); err != nil {
		return err
	}
	doc.Entries = append(doc.Entries, entry)
	return s.file.save(&doc)
}

// Update replaces the entry with the same ID.
func (s *CashflowStore) Update(entry CashflowEntry) error {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()
	var doc cashflowDocument
	if err := s.file.load(&doc); err != nil {
		return err
	}
	for i := range doc.Entries {
		if doc.Entries[i].ID == entry.ID {
			doc.Entries[i] = entry
			return s.file.save(&doc)
		}
	}
	return ErrNotFound
}

// Delete removes the entry with the given ID.
func (s *CashflowStore) Delete(id string) error {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()
	var doc cashflowDocument
	if err := s.file.load(&doc); err != nil {
		return err
	}
	for i := range doc.Entries {
		if doc.Entries[i].ID == id {
			doc.Entries = append(doc.Entries[:i], doc.Entries[i+1:]...)
			return s.file.save(&doc)
		}
	}
	return ErrNotFound
}

// Summary aggregates totals across all entries.
type Summary struct {
	Income   decimal.Decimal
	Expenses decimal.Decimal
	Net      decimal.Decimal
}

// Summarize computes income, expense and net totals with exact decimal
// arithmetic.
func (s *CashflowStore) Summarize() (Summary, error) {
	entries, err := s.GetAll()
	if err != nil {
		return Summary{}, err
	}
	var sum Summary
	for _, e := range entries {
		switch e.Type {
		case EntryIncome:
			sum.Income = sum.Income.Add(e.Amount)
		case EntryExpense:
			sum.Expenses = sum.Expenses.Add(e.Amount)
		}
	}
	sum.Net = sum.Income.Sub(sum.Expenses)
	return sum, nil
}

// TaskStore persists tasks in one JSON file.
type TaskStore struct {
	file jsonFile
}

// NewTaskStore opens (or lazily creates) the store at path.
func NewTaskStore(path string) *TaskStore {
	return &TaskStore{file: jsonFile{path: path}}
}

type taskDocument struct {
	Tasks []Task `json:"tasks"`
}

// GetAll returns every task, oldest first.
func (s *TaskStore) GetAll() ([]Task, error) {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()
	var doc taskDocument
	if err := s.file.load(&doc); err != nil {
		return nil, err
	}
	return doc.Tasks, nil
}

// Append adds a task and persists the collection.
func (s *TaskStore) Append(task Task) error {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()
	var doc taskDocument
	if err := s.file.load(&doc); err != nil {
		return err
	}
	doc.Tasks = append(doc.Tasks, task)
	return s.file.save(&doc)
}

// Update replaces the task with the same ID.
func (s *TaskStore) Update(task Task) error {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()
	var doc taskDocument
	if err := s.file.load(&doc); err != nil {
		return err
	}
	for i := range doc.Tasks {
		if doc.Tasks[i].ID == task.ID {
			doc.Tasks[i] = task
			return s.file.save(&doc)
		}
	}
	return ErrNotFound
}

// Delete removes the task with the given ID.
func (s *TaskStore) Delete(id string) error {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()
	var doc taskDocument
	if err := s.file.load(&doc); err != nil {
		return err
	}
	for i := range doc.Tasks {
		if doc.Tasks[i].ID == id {
			doc.Tasks = append(doc.Tasks[:i], doc.Tasks[i+1:]...)
			return s.file.save(&doc)
		}
	}
	return ErrNotFound
}
