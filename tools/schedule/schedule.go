// Package schedule provides reminder management tools backed by the
// scheduler.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/palomabot/paloma"
)

// Tool creates, lists, and cancels reminders.
type Tool struct {
	scheduler *paloma.Scheduler
	store     paloma.Store
	principal string // single-user deployment: reminders always target the owner
}

var _ paloma.Tool = (*Tool)(nil)

// New creates a schedule Tool delivering to principal.
func New(scheduler *paloma.Scheduler, store paloma.Store, principal string) *Tool {
	return &Tool{scheduler: scheduler, store: store, principal: principal}
}

func (t *Tool) Definitions() []paloma.ToolDefinition {
	return []paloma.ToolDefinition{
		{
			Name:        "reminder_create",
			Description: "Create a reminder. Either a one-time reminder with an RFC3339 time, or a recurring one with a 5-field cron expression.",
			Parameters: json.RawMessage(`{"type":"object","properties":{` +
				`"message":{"type":"string","description":"Reminder text to deliver"},` +
				`"at":{"type":"string","description":"One-time: RFC3339 timestamp"},` +
				`"cron":{"type":"string","description":"Recurring: 5-field cron expression"},` +
				`"timezone":{"type":"string","description":"IANA timezone for cron evaluation"}},` +
				`"required":["message"]}`),
			Category: "schedule",
		},
		{
			Name:        "reminder_list",
			Description: "List active recurring reminders with their ids.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			Category:    "schedule",
		},
		{
			Name:        "reminder_cancel",
			Description: "Cancel a recurring reminder by id.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"id":{"type":"integer","description":"Reminder id"}},"required":["id"]}`),
			Category:    "schedule",
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (paloma.ToolResult, error) {
	var params struct {
		Message  string `json:"message"`
		At       string `json:"at"`
		Cron     string `json:"cron"`
		Timezone string `json:"timezone"`
		ID       int64  `json:"id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return paloma.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	switch name {
	case "reminder_create":
		return t.create(ctx, params.Message, params.At, params.Cron, params.Timezone)
	case "reminder_list":
		return t.list(ctx)
	case "reminder_cancel":
		return t.cancel(ctx, params.ID)
	default:
		return paloma.ToolResult{Error: "unknown tool: " + name}, nil
	}
}

func (t *Tool) create(ctx context.Context, message, at, cron, timezone string) (paloma.ToolResult, error) {
	if message == "" {
		return paloma.ToolResult{Error: "message is required"}, nil
	}
	switch {
	case cron != "":
		id, err := t.scheduler.AddCron(ctx, t.principal, cron, message, timezone)
		if err != nil {
			return paloma.ToolResult{Error: err.Error()}, nil
		}
		return paloma.ToolResult{Content: fmt.Sprintf("Recurring reminder %d created (%s)", id, cron)}, nil
	case at != "":
		when, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return paloma.ToolResult{Error: "invalid time, use RFC3339: " + err.Error()}, nil
		}
		if !when.After(time.Now()) {
			return paloma.ToolResult{Error: "time is in the past"}, nil
		}
		t.scheduler.ScheduleOnce(when, t.principal, message)
		return paloma.ToolResult{Content: "One-time reminder set for " + when.Format(time.RFC1123)}, nil
	default:
		return paloma.ToolResult{Error: "either at or cron is required"}, nil
	}
}

func (t *Tool) list(ctx context.Context) (paloma.ToolResult, error) {
	jobs, err := t.store.ListActiveCronJobs(ctx)
	if err != nil {
		return paloma.ToolResult{Error: err.Error()}, nil
	}
	if len(jobs) == 0 {
		return paloma.ToolResult{Content: "No active reminders."}, nil
	}
	var sb strings.Builder
	for _, j := range jobs {
		fmt.Fprintf(&sb, "- [%d] %s (%s)\n", j.ID, j.Message, j.Expression)
	}
	return paloma.ToolResult{Content: sb.String()}, nil
}

func (t *Tool) cancel(ctx context.Context, id int64) (paloma.ToolResult, error) {
	if id == 0 {
		return paloma.ToolResult{Error: "id is required"}, nil
	}
	if err := t.scheduler.RemoveCron(ctx, id); err != nil {
		return paloma.ToolResult{Error: err.Error()}, nil
	}
	return paloma.ToolResult{Content: fmt.Sprintf("Reminder %d cancelled", id)}, nil
}
