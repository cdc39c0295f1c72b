// Package app wires the webhook server, command dispatch, and the chat
// pipeline into one runnable application.
package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	paloma "github.com/palomabot/paloma"
	"github.com/palomabot/paloma/frontend/whatsapp"
	"github.com/palomabot/paloma/internal/config"
)

// App connects the WhatsApp webhook to the pipeline and the agent. It owns
// the HTTP server; everything else is injected.
type App struct {
	cfg       config.Config
	pipeline  *paloma.Pipeline
	agent     *paloma.Agent
	store     paloma.Store
	messenger paloma.Messenger
	indexer   *paloma.Indexer
	mirror    *paloma.Mirror
	tracker   *paloma.TaskTracker
	logger    *slog.Logger
}

// New creates an App. mirror may be nil when the Markdown mirror is disabled.
func New(cfg config.Config, pipeline *paloma.Pipeline, agent *paloma.Agent,
	store paloma.Store, messenger paloma.Messenger, indexer *paloma.Indexer,
	mirror *paloma.Mirror, tracker *paloma.TaskTracker, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:       cfg,
		pipeline:  pipeline,
		agent:     agent,
		store:     store,
		messenger: messenger,
		indexer:   indexer,
		mirror:    mirror,
		tracker:   tracker,
		logger:    logger,
	}
}

// Serve runs the webhook HTTP server until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /webhook", a.handleVerify)
	mux.HandleFunc("POST /webhook", a.handleWebhook)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              a.cfg.WhatsApp.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	a.logger.Info("webhook server listening", "addr", srv.Addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleVerify answers Meta's webhook subscription handshake.
func (a *App) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == a.cfg.WhatsApp.VerifyToken {
		_, _ = w.Write([]byte(q.Get("hub.challenge")))
		return
	}
	http.Error(w, "verification failed", http.StatusForbidden)
}

// handleWebhook validates the signature, acks immediately, and processes
// events in tracked goroutines. The provider retries on non-200, so the ack
// must not wait for the LLM.
func (a *App) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	if !whatsapp.VerifySignature(body, r.Header.Get("X-Hub-Signature-256"), a.cfg.WhatsApp.AppSecret) {
		a.logger.Warn("webhook signature mismatch")
		http.Error(w, "bad signature", http.StatusForbidden)
		return
	}

	events, err := whatsapp.ParseWebhook(body)
	if err != nil {
		a.logger.Warn("webhook parse failed", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	w.WriteHeader(http.StatusOK)

	for _, ev := range events {
		ev := ev
		a.tracker.Go("webhook-event", func(ctx context.Context) {
			a.dispatch(ctx, ev)
		})
	}
}

// dispatch routes one inbound event: reactions go to scoring, approval
// replies go to the waiting agent, slash commands to the command handler,
// everything else to the chat pipeline.
func (a *App) dispatch(ctx context.Context, ev whatsapp.Event) {
	switch {
	case ev.Reaction != nil:
		if !a.allowed(ev.Reaction.Principal) {
			return
		}
		a.pipeline.HandleReaction(ctx, *ev.Reaction)

	case ev.Message != nil:
		env := *ev.Message
		if !a.allowed(env.Principal) {
			a.logger.Warn("dropped message from unknown principal", "principal", env.Principal)
			return
		}

		// A pending approval consumes the next plain message.
		if a.agent != nil && a.agent.Mailbox().Waiting() {
			if a.agent.Mailbox().Deliver(env.Text) {
				a.logger.Info("routed reply to waiting agent")
				return
			}
		}

		if strings.HasPrefix(strings.TrimSpace(env.Text), "/") {
			a.handleCommand(ctx, env)
			return
		}

		if err := a.pipeline.Handle(ctx, env); err != nil {
			a.logger.Error("pipeline failed", "error", err)
		}
	}
}

// allowed enforces the single-principal deployment. An empty configured
// principal accepts everyone (local development).
func (a *App) allowed(principal string) bool {
	return a.cfg.WhatsApp.Principal == "" || a.cfg.WhatsApp.Principal == principal
}

// reply sends a direct response outside the LLM path (command output).
func (a *App) reply(ctx context.Context, principal, text string) {
	if _, err := a.messenger.SendMessage(ctx, principal, text); err != nil {
		a.logger.Warn("command reply failed", "error", err)
	}
}
