package relay

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cashflowdash/chatbridge/internal/slogging"
	"github.com/cashflowdash/chatbridge/internal/store"
)

type fakeTasks struct {
	tasks []store.Task
	err   error
}

func (f *fakeTasks) GetAll() ([]store.Task, error) { return f.tasks, f.err }

type fakeCashflow struct {
	summary store.Summary
	err     error
}

func (f *fakeCashflow) Summarize() (store.Summary, error) { return f.summary, f.err }

type fakeActivity struct {
	mu      sync.Mutex
	records []string
}

func (f *fakeActivity) Record(actionType, description string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, actionType+": "+description)
}

func TestCommandRouterHelp(t *testing.T) {
	r := NewCommandRouter(nil, nil, nil, slogging.Get())
	msg, handled := r.Handle(context.Background(), "/help", "u")
	require.True(t, handled)
	assert.Equal(t, TypeSystem, msg.Type)
	assert.Contains(t, msg.Content, "/summary")
}

func TestCommandRouterTasks(t *testing.T) {
	tasks := &fakeTasks{tasks: []store.Task{
		{ID: "1", Name: "Pay rent", Status: store.TaskPending, DueDate: "2026-09-05"},
		{ID: "2", Name: "File VAT return", Status: store.TaskCompleted},
		{ID: "3", Name: "Chase invoice", Status: store.TaskPending},
	}}
	r := NewCommandRouter(tasks, nil, nil, slogging.Get())

	msg, handled := r.Handle(context.Background(), "/tasks", "u")
	require.True(t, handled)
	assert.Contains(t, msg.Content, "Open tasks (2)")
	assert.Contains(t, msg.Content, "Pay rent (due 2026-09-05)")
	assert.Contains(t, msg.Content, "Chase invoice")
	assert.NotContains(t, msg.Content, "File VAT return", "completed tasks are omitted")
}

func TestCommandRouterSummary(t *testing.T) {
	cashflow := &fakeCashflow{summary: store.Summary{
		Income:   decimal.RequireFromString("2500.50"),
		Expenses: decimal.RequireFromString("1800.25"),
		Net:      decimal.RequireFromString("700.25"),
	}}
	r := NewCommandRouter(nil, cashflow, nil, slogging.Get())

	msg, handled := r.Handle(context.Background(), "/summary", "u")
	require.True(t, handled)
	assert.Contains(t, msg.Content, "Income: 2500.50")
	assert.Contains(t, msg.Content, "Expenses: 1800.25")
	assert.Contains(t, msg.Content, "Net: 700.25")
}

func TestCommandRouterClear(t *testing.T) {
	r := NewCommandRouter(nil, nil, nil, slogging.Get())
	msg, handled := r.Handle(context.Background(), "/clear", "u")
	require.True(t, handled)
	assert.Equal(t, "Conversation cleared.", msg.Content)
}

func TestCommandRouterPassthrough(t *testing.T) {
	r := NewCommandRouter(nil, nil, nil, slogging.Get())

	for _, text := range []string{"hello there", "/unknown", "  "} {
		_, handled := r.Handle(context.Background(), text, "u")
		assert.False(t, handled, "%q should go upstream", text)
	}
}

func TestCommandRouterRecordsActivity(t *testing.T) {
	activity := &fakeActivity{}
	r := NewCommandRouter(nil, nil, activity, slogging.Get())

	_, handled := r.Handle(context.Background(), "/help extra args", "alice")
	require.True(t, handled)
	require.Len(t, activity.records, 1)
	assert.Contains(t, activity.records[0], "alice executed /help")
}
