// Package paloma is the core of a single-user WhatsApp chat agent backed by
// a local LLM.
//
// It provides the message-processing pipeline as composable building blocks:
// a critical-path orchestrator that fans inbound work into ordered phases,
// a bounded tool-calling executor with parallel dispatch, an agentic outer
// loop (planner → workers → synthesis) with human-in-the-loop pauses, a
// guardrails pipeline that validates every reply, and the concurrency
// disciplines that make those reliable: atomic de-duplication, in-flight
// task tracking, cooperative cancellation, and best-effort side channels.
//
// # Quick Start
//
//	store := sqlite.New("paloma.db")
//	llm := ollama.New("http://localhost:11434", "qwen3")
//
//	pipe := paloma.NewPipeline(
//		paloma.WithStore(store),
//		paloma.WithProvider(llm),
//		paloma.WithMessenger(wa),
//		paloma.WithRegistry(registry),
//	)
//	pipe.Process(ctx, envelope)
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider]: LLM backend (chat, tool calling, optional thinking)
//   - [EmbeddingProvider]: text-to-vector embedding
//   - [Store]: narrow persistence contract the pipeline consumes
//   - [Messenger]: outbound messaging (send, react, mark-read)
//   - [Tool]: capability exposed to the LLM with a JSON-schema'd argument list
//   - [Tracer]: optional span sink for remote observability
//
// # Included Implementations
//
// Storage: store/sqlite (pure-Go SQLite, in-process vector search).
// Provider: provider/ollama (local Ollama-style chat API).
// Messaging: frontend/whatsapp (WhatsApp Cloud API consumer).
// Tools: tools/fetch, tools/search, tools/shell, tools/file, tools/notes,
// tools/remember, tools/schedule.
//
// See cmd/paloma for the complete application.
package paloma
