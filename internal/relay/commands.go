package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cashflowdash/chatbridge/internal/slogging"
	"github.com/cashflowdash/chatbridge/internal/store"
)

// TaskLister and CashflowSummarizer are the store surfaces the command
// router reads from.
type TaskLister interface {
	GetAll() ([]store.Task, error)
}

type CashflowSummarizer interface {
	Summarize() (store.Summary, error)
}

// ActivityRecorder receives an audit record for each executed command.
type ActivityRecorder interface {
	Record(actionType, description string)
}

// CommandRouter answers slash commands locally instead of forwarding them to
// the agent.
type CommandRouter struct {
	tasks    TaskLister
	cashflow CashflowSummarizer
	activity ActivityRecorder
	logger   *slogging.Logger
}

// NewCommandRouter builds a router. Any dependency may be nil; the matching
// command then reports that the data is unavailable.
func NewCommandRouter(tasks TaskLister, cashflow CashflowSummarizer, activity ActivityRecorder, logger *slogging.Logger) *CommandRouter {
	if logger == nil {
		logger = slogging.Get()
	}
	return &CommandRouter{tasks: tasks, cashflow: cashflow, activity: activity, logger: logger}
}

const helpText = `Available commands:
/help - show this message
/tasks - list open tasks
/summary - cashflow totals
/clear - clear this conversation

Anything else is sent to the assistant.`

// Handle executes a slash command. The second return value is false when the
// text is not a recognized command and should go upstream instead.
func (r *CommandRouter) Handle(_ context.Context, text, userID string) (Message, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return Message{}, false
	}

	var content string
	switch strings.ToLower(fields[0]) {
	case "/help":
		content = helpText
	case "/tasks":
		content = r.taskList()
	case "/summary":
		content = r.cashflowSummary()
	case "/clear":
		content = "Conversation cleared."
	default:
		// Unknown slash commands still go to the agent; it may know more.
		return Message{}, false
	}

	if r.activity != nil {
		r.activity.Record("chat_command", fmt.Sprintf("%s executed %s", userID, fields[0]))
	}
	return Message{
		Type:      TypeSystem,
		Sender:    SenderSystem,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, true
}

func (r *CommandRouter) taskList() string {
	if r.tasks == nil {
		return "Task data is not available."
	}
	tasks, err := r.tasks.GetAll()
	if err != nil {
		r.logger.Error("command /tasks failed: %v", err)
		return "Could not load tasks."
	}

	var b strings.Builder
	open := 0
	for _, t := range tasks {
		if t.Status == store.TaskCompleted {
			continue
		}
		open++
		if t.DueDate != "" {
			fmt.Fprintf(&b, "- %s (due %s)\n", t.Name, t.DueDate)
		} else {
			fmt.Fprintf(&b, "- %s\n", t.Name)
		}
	}
	if open == 0 {
		return "No open tasks."
	}
	return fmt.Sprintf("Open tasks (%d):\n%s", open, strings.TrimRight(b.String(), "\n"))
}

func (r *CommandRouter) cashflowSummary() string {
	if r.cashflow == nil {
		return "Cashflow data is not available."
	}
	sum, err := r.cashflow.Summarize()
	if err != nil {
		r.logger.Error("command /summary failed: %v", err)
		return "Could not load cashflow data."
	}
	return fmt.Sprintf("Income: %s\nExpenses: %s\nNet: %s",
		sum.Income.StringFixed(2), sum.Expenses.StringFixed(2), sum.Net.StringFixed(2))
}
