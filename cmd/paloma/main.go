package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	paloma "github.com/palomabot/paloma"
	"github.com/palomabot/paloma/frontend/whatsapp"
	"github.com/palomabot/paloma/internal/app"
	"github.com/palomabot/paloma/internal/config"
	"github.com/palomabot/paloma/observer"
	"github.com/palomabot/paloma/provider/ollama"
	"github.com/palomabot/paloma/store/sqlite"
	"github.com/palomabot/paloma/tools/fetch"
	"github.com/palomabot/paloma/tools/file"
	"github.com/palomabot/paloma/tools/notes"
	"github.com/palomabot/paloma/tools/remember"
	"github.com/palomabot/paloma/tools/schedule"
	"github.com/palomabot/paloma/tools/search"
	"github.com/palomabot/paloma/tools/shell"
)

const defaultPersona = `You are Paloma, a personal assistant living in WhatsApp.
You are warm, direct, and concise. You reply in the language the user writes
in (usually Spanish or English). You have long-term memory, notes, reminders,
web access, and a sandboxed workspace. Use tools when they genuinely help;
answer directly when they do not.`

func main() {
	cfg := config.Load(os.Getenv("PALOMA_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && err != context.Canceled {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	// Persistence first; init failure aborts startup.
	store := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer store.Close()

	tracker := paloma.NewTaskTracker(ctx, logger)

	// LLM roles. All served by the same local runtime; the classifier and
	// judge use smaller models.
	chatLLM := ollama.New(cfg.LLM.BaseURL, cfg.LLM.Model)
	classifierLLM := ollama.New(cfg.LLM.BaseURL, cfg.LLM.ClassifierModel)
	judgeLLM := ollama.New(cfg.LLM.BaseURL, cfg.LLM.JudgeModel)
	embedder := ollama.NewEmbedder(cfg.LLM.BaseURL, cfg.Embedding.Model, cfg.Embedding.Dimensions)

	// Observer (opt-in via config).
	var recorderOpts []paloma.RecorderOption
	recorderOpts = append(recorderOpts, paloma.WithRecorderLogger(logger))
	if cfg.Observer.Enabled {
		shutdown, err := observer.Init(ctx)
		if err != nil {
			return err
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutCtx)
		}()
		recorderOpts = append(recorderOpts, paloma.WithRemoteSink(observer.NewSink()))
		logger.Info("OTEL trace export enabled")
	}

	sampleRate := cfg.Tracing.SampleRate
	if !cfg.Tracing.Enabled {
		sampleRate = 0
	}
	recorder := paloma.NewRecorder(store, sampleRate, recorderOpts...)

	// Embedding index: backfill anything missed while offline, then keep the
	// Markdown mirror in sync.
	indexer := paloma.NewIndexer(store, embedder, tracker, logger)
	for _, kind := range []string{paloma.EmbedKindMemory, paloma.EmbedKindNote} {
		if n, err := indexer.Backfill(ctx, kind); err != nil {
			logger.Warn("embedding backfill failed", "kind", kind, "error", err)
		} else if n > 0 {
			logger.Info("embedding backfill", "kind", kind, "count", n)
		}
	}

	var mirror *paloma.Mirror
	if cfg.Brain.MirrorPath != "" {
		mirror = paloma.NewMirror(store, indexer, cfg.Brain.MirrorPath, logger)
		if err := mirror.WriteFile(ctx); err != nil {
			logger.Warn("mirror initial write failed", "error", err)
		}
		if cfg.Brain.MirrorWatch {
			m := mirror
			tracker.Go("mirror-watch", func(ctx context.Context) {
				if err := m.Watch(ctx); err != nil && ctx.Err() == nil {
					logger.Warn("mirror watcher stopped", "error", err)
				}
			})
		}
	}

	// Security layer: audited policy engine shared by agent-mode execution.
	audit, err := paloma.NewAuditLog(cfg.Policy.AuditPath)
	if err != nil {
		return err
	}
	policyEngine, err := paloma.LoadPolicy(cfg.Policy.RulesPath, audit, logger)
	if err != nil {
		return err
	}

	messenger := whatsapp.NewClient(cfg.WhatsApp.BaseURL+"/"+cfg.WhatsApp.PhoneNumberID, cfg.WhatsApp.Token)

	scheduler := paloma.NewScheduler(store, func(ctx context.Context, principal, message string) {
		if _, err := messenger.SendMessage(ctx, principal, "Reminder: "+message); err != nil {
			logger.Warn("reminder delivery failed", "error", err)
		}
	}, logger)
	tracker.Go("scheduler", func(ctx context.Context) {
		if err := scheduler.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduler stopped", "error", err)
		}
	})

	// The approver routes flagged commands to the agent's HITL mailbox; it is
	// filled in once the agent exists.
	approver := &lateApprover{}

	shellTool := shell.New(cfg.Brain.WorkspacePath, cfg.Tools.ShellTimeout, cfg.Agent.ShellAllowlist)
	shellTool.SetApprover(approver)

	registry := paloma.NewRegistry()
	registry.Add(fetch.New())
	registry.Add(shellTool)
	registry.Add(file.New(cfg.Brain.WorkspacePath))
	registry.Add(notes.New(store, embedder, indexer))
	registry.Add(remember.New(store, indexer, mirror))
	registry.Add(schedule.New(scheduler, store, cfg.WhatsApp.Principal))
	if cfg.Search.BraveAPIKey != "" {
		registry.Add(search.New(cfg.Search.BraveAPIKey))
	}

	compactor := paloma.NewCompactor(classifierLLM, cfg.LLM.ClassifierModel, logger)

	// Chat-mode executor runs without policy evaluation; the shell tool's own
	// sub-policy still applies.
	chatExec := paloma.NewExecutor(chatLLM, registry, recorder, compactor,
		paloma.WithMaxIterations(cfg.Tools.MaxIterations),
		paloma.WithExecutorLogger(logger))

	// Agent-mode executor is fully policy-checked. The approver is the agent
	// itself, constructed after the executor it drives.
	agentExec := paloma.NewExecutor(chatLLM, registry, recorder, compactor,
		paloma.WithMaxIterations(cfg.Tools.MaxIterations),
		paloma.WithExecutorPolicy(policyEngine.Func(), approver),
		paloma.WithExecutorLogger(logger))

	mailbox := paloma.NewApprovalMailbox()
	agent := paloma.NewAgent(store, chatLLM, registry, agentExec, recorder, messenger, mailbox,
		paloma.WithAgentModel(cfg.LLM.Model),
		paloma.WithAgentToolBudget(cfg.Agent.ToolsPerRound),
		paloma.WithAgentMaxReplans(cfg.Agent.MaxReplans),
		paloma.WithAgentHITLTimeout(time.Duration(cfg.Agent.HITLTimeoutSec)*time.Second),
		paloma.WithAgentWriteEnabled(cfg.Agent.WriteEnabled),
		paloma.WithAgentLogger(logger))
	approver.agent = agent

	var judges []paloma.JudgeCheck
	if cfg.Guardrails.LLMChecks {
		judges = []paloma.JudgeCheck{
			{Name: "tool_coherence", Prompt: "Does the reply correctly use the tool outputs shown in the conversation? Answer yes or no."},
			{Name: "hallucination_check", Prompt: "Does the reply state anything not supported by the conversation context? Answer yes or no, where yes means unsupported claims exist."},
		}
	}
	guardrails := paloma.NewGuardrails(judgeLLM, cfg.LLM.JudgeModel,
		paloma.WithJudges(judges...),
		paloma.WithGuardrailsEnabled(cfg.Guardrails.Enabled),
		paloma.WithLanguageCheck(cfg.Guardrails.LanguageCheck),
		paloma.WithPIICheck(cfg.Guardrails.PIICheck),
		paloma.WithJudgeTimeout(time.Duration(cfg.Guardrails.LLMTimeoutSec)*time.Second),
		paloma.WithGuardrailsLogger(logger))

	builder := paloma.NewContextBuilder(
		paloma.WithMemoryThreshold(cfg.Brain.MemoryThreshold),
		paloma.WithContextTokens(cfg.Brain.ContextTokens),
		paloma.WithContextLogger(logger))

	router := paloma.NewRouter(registry, classifierLLM, cfg.LLM.ClassifierModel, logger)

	loc, err := time.LoadLocation(cfg.Brain.Timezone)
	if err != nil {
		logger.Warn("invalid timezone, using UTC", "tz", cfg.Brain.Timezone)
		loc = time.UTC
	}

	persona := cfg.Brain.Persona
	if persona == "" {
		persona = defaultPersona
	}

	pipeline := paloma.NewPipeline(store, chatLLM, messenger, router, chatExec, guardrails, builder, recorder, tracker,
		paloma.WithPersona(persona),
		paloma.WithPipelineModel(cfg.LLM.Model),
		paloma.WithToolBudget(cfg.Tools.Budget),
		paloma.WithHistoryWindow(cfg.Brain.HistoryWindow),
		paloma.WithSummaryEvery(cfg.Brain.SummaryThreshold),
		paloma.WithEmbedder(embedder),
		paloma.WithRetrievalTopK(cfg.Brain.VectorTopK),
		paloma.WithRateLimiter(paloma.NewRateLimiter(time.Duration(cfg.RateLimit.WindowSec)*time.Second, cfg.RateLimit.Max)),
		paloma.WithTimezone(loc),
		paloma.WithProjectsRoot(cfg.Brain.ProjectsRoot),
		paloma.WithActivityDir(cfg.Brain.ActivityDir),
		paloma.WithMemoryFlush(cfg.Brain.MemoryFlushEnabled),
		paloma.WithAutoCurate(cfg.Tracing.EvalAutoCurate),
		paloma.WithPipelineLogger(logger))

	// Daily trace retention sweep.
	if cfg.Tracing.Enabled && cfg.Tracing.RetentionDays > 0 {
		tracker.Go("trace-cleanup", func(ctx context.Context) {
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n, err := store.CleanupTracesOlderThan(ctx, cfg.Tracing.RetentionDays); err != nil {
						logger.Warn("trace cleanup failed", "error", err)
					} else if n > 0 {
						logger.Info("trace cleanup", "removed", n)
					}
				}
			}
		})
	}

	application := app.New(cfg, pipeline, agent, store, messenger, indexer, mirror, tracker, logger)
	err = application.Serve(ctx)

	if !tracker.Shutdown(10 * time.Second) {
		logger.Warn("background tasks did not drain before deadline")
	}
	return err
}

// lateApprover defers to the agent, which is constructed after the executor
// that needs it. Breaks the construction cycle.
type lateApprover struct {
	agent *paloma.Agent
}

func (l *lateApprover) RequestApproval(ctx context.Context, call paloma.ToolCall, reason string) (bool, error) {
	if l.agent == nil {
		return false, nil
	}
	return l.agent.RequestApproval(ctx, call, reason)
}
