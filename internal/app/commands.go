package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	paloma "github.com/palomabot/paloma"
)

const helpText = `Available commands:
/help - this message
/remember <fact> - save a fact to long-term memory
/forget <id> - remove a memory
/memories - list active memories
/clear - wipe the conversation (a snapshot is kept, memories stay)
/feedback <text> - correct my last reply
/rate <1-5> - rate my last reply
/agent <objective> - start a background work session
/agent-resume [input] - continue the last session
/cancel - stop the active session
Anything else is just a message to me.`

// handleCommand dispatches one slash command. Commands bypass the LLM path
// entirely; their replies go straight out through the messenger.
func (a *App) handleCommand(ctx context.Context, env paloma.Envelope) {
	cmd, rest := splitCommand(env.Text)
	a.logger.Info("command", "cmd", cmd)

	switch cmd {
	case "/help":
		a.reply(ctx, env.Principal, helpText)
	case "/remember":
		a.cmdRemember(ctx, env.Principal, rest)
	case "/forget":
		a.cmdForget(ctx, env.Principal, rest)
	case "/memories":
		a.cmdMemories(ctx, env.Principal)
	case "/clear":
		a.cmdClear(ctx, env.Principal)
	case "/feedback":
		a.cmdFeedback(ctx, env.Principal, rest)
	case "/rate":
		a.cmdRate(ctx, env.Principal, rest)
	case "/approve-prompt":
		a.cmdApprovePrompt(ctx, env.Principal, rest)
	case "/agent":
		a.cmdAgent(ctx, env.Principal, rest)
	case "/agent-resume":
		a.cmdAgentResume(ctx, env.Principal, rest)
	case "/cancel":
		a.cmdCancel(ctx, env.Principal)
	case "/dev-review":
		a.cmdDevReview(ctx, env.Principal)
	default:
		a.reply(ctx, env.Principal, "Unknown command. Try /help.")
	}
}

func (a *App) cmdRemember(ctx context.Context, principal, fact string) {
	if fact == "" {
		a.reply(ctx, principal, "Usage: /remember <fact>")
		return
	}
	id, err := a.store.AddMemory(ctx, paloma.Memory{
		Text:      fact,
		Active:    true,
		CreatedAt: paloma.NowUnix(),
	})
	if err != nil {
		a.reply(ctx, principal, "Could not save that: "+err.Error())
		return
	}
	if a.indexer != nil {
		a.indexer.IndexMemory(id, fact)
	}
	a.refreshMirror(ctx)
	a.reply(ctx, principal, fmt.Sprintf("Remembered (id %d).", id))
}

func (a *App) cmdForget(ctx context.Context, principal, arg string) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil {
		a.reply(ctx, principal, "Usage: /forget <id>")
		return
	}
	if err := a.store.SoftDeleteMemory(ctx, id); err != nil {
		a.reply(ctx, principal, "Could not forget: "+err.Error())
		return
	}
	if a.indexer != nil {
		a.indexer.Remove(ctx, paloma.EmbedKindMemory, id)
	}
	a.refreshMirror(ctx)
	a.reply(ctx, principal, fmt.Sprintf("Forgot memory %d.", id))
}

func (a *App) cmdMemories(ctx context.Context, principal string) {
	mems, err := a.store.ListActiveMemories(ctx, 50)
	if err != nil {
		a.reply(ctx, principal, "Could not list memories: "+err.Error())
		return
	}
	if len(mems) == 0 {
		a.reply(ctx, principal, "No memories yet.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Your memories:\n")
	for _, m := range mems {
		fmt.Fprintf(&sb, "[%d] %s\n", m.ID, m.Text)
	}
	a.reply(ctx, principal, sb.String())
}

func (a *App) cmdClear(ctx context.Context, principal string) {
	conv, err := a.store.GetOrCreateConversation(ctx, principal)
	if err != nil {
		a.reply(ctx, principal, "Could not clear: "+err.Error())
		return
	}
	msgs, err := a.store.ClearMessages(ctx, conv.ID)
	if err != nil {
		a.reply(ctx, principal, "Could not clear: "+err.Error())
		return
	}
	note := fmt.Sprintf("Cleared %d messages. Memories are untouched.", len(msgs))
	if len(msgs) > 0 && a.cfg.Brain.SnapshotDir != "" {
		if path, err := paloma.WriteSnapshot(a.cfg.Brain.SnapshotDir, msgs); err != nil {
			a.logger.Warn("snapshot write failed", "error", err)
		} else {
			note += " Snapshot saved to " + path + "."
		}
	}
	a.reply(ctx, principal, note)
}

// cmdFeedback records a correction dataset entry against the latest trace,
// pairing the last user/assistant exchange with the human's expected output.
func (a *App) cmdFeedback(ctx context.Context, principal, text string) {
	if text == "" {
		a.reply(ctx, principal, "Usage: /feedback <what I should have said>")
		return
	}
	entry := paloma.DatasetEntry{
		EntryType: paloma.DatasetCorrection,
		Expected:  text,
		Metadata:  []byte(`{"confirmed":true}`),
		Tags:      []string{"user-feedback"},
		CreatedAt: paloma.NowUnix(),
	}
	if traces, err := a.store.GetTracesByPrincipal(ctx, principal, 1); err == nil && len(traces) > 0 {
		entry.TraceID = traces[0].ID
	}
	if conv, err := a.store.GetOrCreateConversation(ctx, principal); err == nil {
		if recent, err := a.store.GetRecentMessages(ctx, conv.ID, 4); err == nil {
			for _, m := range recent {
				switch m.Role {
				case "user":
					entry.Input = m.Text
				case "assistant":
					entry.Output = m.Text
				}
			}
		}
	}
	if _, err := a.store.AddDatasetEntry(ctx, entry); err != nil {
		a.reply(ctx, principal, "Could not record feedback: "+err.Error())
		return
	}
	a.reply(ctx, principal, "Thanks, noted. I'll learn from it.")
}

func (a *App) cmdRate(ctx context.Context, principal, arg string) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n < 1 || n > 5 {
		a.reply(ctx, principal, "Usage: /rate <1-5>")
		return
	}
	traces, err := a.store.GetTracesByPrincipal(ctx, principal, 1)
	if err != nil || len(traces) == 0 {
		a.reply(ctx, principal, "Nothing to rate yet.")
		return
	}
	score := paloma.ScoreRecord{
		TraceID: traces[0].ID,
		Name:    "user_rating",
		Value:   float64(n-1) / 4,
		Source:  "human",
		Comment: fmt.Sprintf("%d/5", n),
	}
	if err := a.store.AppendScore(ctx, score); err != nil {
		a.reply(ctx, principal, "Could not record the rating: "+err.Error())
		return
	}
	a.reply(ctx, principal, "Rated, thank you.")
}

func (a *App) cmdApprovePrompt(ctx context.Context, principal, rest string) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		a.reply(ctx, principal, "Usage: /approve-prompt <name> <version>")
		return
	}
	version, err := strconv.Atoi(fields[1])
	if err != nil {
		a.reply(ctx, principal, "Usage: /approve-prompt <name> <version>")
		return
	}
	if err := a.store.ActivatePromptVersion(ctx, fields[0], version); err != nil {
		a.reply(ctx, principal, "Could not activate: "+err.Error())
		return
	}
	a.reply(ctx, principal, fmt.Sprintf("Prompt %q v%d is now active.", fields[0], version))
}

func (a *App) cmdAgent(ctx context.Context, principal, objective string) {
	if a.agent == nil {
		a.reply(ctx, principal, "Agent mode is not configured.")
		return
	}
	if objective == "" {
		a.reply(ctx, principal, "Usage: /agent <objective>")
		return
	}
	started := a.tracker.Go("agent-session", func(ctx context.Context) {
		if err := a.agent.Run(ctx, principal, objective); err != nil {
			a.logger.Error("agent session failed", "error", err)
		}
	})
	if !started {
		a.reply(ctx, principal, "Shutting down, cannot start a session.")
		return
	}
	a.reply(ctx, principal, "On it. I'll message you when I'm done or if I need a decision.")
}

func (a *App) cmdAgentResume(ctx context.Context, principal, input string) {
	if a.agent == nil {
		a.reply(ctx, principal, "Agent mode is not configured.")
		return
	}
	started := a.tracker.Go("agent-resume", func(ctx context.Context) {
		if err := a.agent.Resume(ctx, principal, input); err != nil {
			a.logger.Error("agent resume failed", "error", err)
			a.reply(ctx, principal, "Could not resume: "+err.Error())
		}
	})
	if started {
		a.reply(ctx, principal, "Resuming the session.")
	}
}

func (a *App) cmdCancel(ctx context.Context, principal string) {
	if a.agent == nil {
		a.reply(ctx, principal, "Agent mode is not configured.")
		return
	}
	if err := a.agent.Cancel(ctx, principal); err != nil {
		a.reply(ctx, principal, err.Error())
		return
	}
	a.reply(ctx, principal, "Session cancelled.")
}

// cmdDevReview lists the latest traces with status and duration, a quick
// health view without leaving the chat.
func (a *App) cmdDevReview(ctx context.Context, principal string) {
	traces, err := a.store.GetTracesByPrincipal(ctx, principal, 5)
	if err != nil {
		a.reply(ctx, principal, "Could not load traces: "+err.Error())
		return
	}
	if len(traces) == 0 {
		a.reply(ctx, principal, "No traces recorded yet.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Recent traces:\n")
	for _, t := range traces {
		dur := "-"
		if t.CompletedAt > 0 {
			dur = (time.Duration(t.CompletedAt-t.StartedAt) * time.Second).String()
		}
		fmt.Fprintf(&sb, "%s %s %s (%s)\n", t.ID[:8], t.MessageType, t.Status, dur)
	}
	a.reply(ctx, principal, sb.String())
}

func (a *App) refreshMirror(ctx context.Context) {
	if a.mirror == nil {
		return
	}
	if err := a.mirror.WriteFile(ctx); err != nil {
		a.logger.Warn("mirror refresh failed", "error", err)
	}
}

// splitCommand separates "/cmd rest of line" into its two parts.
func splitCommand(text string) (cmd, rest string) {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, " \n"); i > 0 {
		return strings.ToLower(text[:i]), strings.TrimSpace(text[i:])
	}
	return strings.ToLower(text), ""
}
