package paloma

import (
	"context"
	"fmt"
	"log/slog"
)

// Indexer maintains vector embeddings for memories and notes. Indexing is
// best-effort and asynchronous: a failed embed leaves the row searchable by
// nothing but never blocks the write that created it, and Backfill sweeps up
// whatever was missed.
type Indexer struct {
	store    Store
	embedder EmbeddingProvider
	tracker  *TaskTracker
	logger   *slog.Logger
}

// NewIndexer creates an Indexer. tracker may be nil, making Index* calls
// synchronous.
func NewIndexer(store Store, embedder EmbeddingProvider, tracker *TaskTracker, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = nopLogger
	}
	return &Indexer{store: store, embedder: embedder, tracker: tracker, logger: logger}
}

// IndexMemory embeds a memory's text in the background.
func (ix *Indexer) IndexMemory(id int64, text string) {
	ix.index(EmbedKindMemory, id, text)
}

// IndexNote embeds a note's title and content in the background.
func (ix *Indexer) IndexNote(id int64, title, content string) {
	ix.index(EmbedKindNote, id, title+"\n"+content)
}

// Remove drops an embedding, e.g. after a soft delete.
func (ix *Indexer) Remove(ctx context.Context, kind string, id int64) {
	if err := ix.store.RemoveEmbedding(ctx, kind, id); err != nil {
		ix.logger.Debug("embedding removal failed", "kind", kind, "id", id, "error", err)
	}
}

func (ix *Indexer) index(kind string, id int64, text string) {
	task := func(ctx context.Context) {
		vec, err := ix.embedder.Embed(ctx, text)
		if err != nil {
			ix.logger.Warn("embedding failed, row left unindexed", "kind", kind, "id", id, "error", err)
			return
		}
		if err := ix.store.SetEmbedding(ctx, kind, id, vec); err != nil {
			ix.logger.Warn("embedding save failed", "kind", kind, "id", id, "error", err)
		}
	}
	name := fmt.Sprintf("index-%s-%d", kind, id)
	if ix.tracker == nil || !ix.tracker.Go(name, task) {
		task(context.Background())
	}
}

// Backfill embeds every row of kind that is missing a vector. Run at startup
// and after bulk imports. Returns how many rows were indexed.
func (ix *Indexer) Backfill(ctx context.Context, kind string) (int, error) {
	missing, err := ix.store.MissingEmbeddings(ctx, kind)
	if err != nil {
		return 0, fmt.Errorf("indexer: %w", err)
	}
	indexed := 0
	for _, id := range missing {
		text, err := ix.sourceText(ctx, kind, id)
		if err != nil || text == "" {
			continue
		}
		vec, err := ix.embedder.Embed(ctx, text)
		if err != nil {
			ix.logger.Warn("backfill embed failed", "kind", kind, "id", id, "error", err)
			continue
		}
		if err := ix.store.SetEmbedding(ctx, kind, id, vec); err != nil {
			ix.logger.Warn("backfill save failed", "kind", kind, "id", id, "error", err)
			continue
		}
		indexed++
	}
	if indexed > 0 {
		ix.logger.Info("embedding backfill complete", "kind", kind, "indexed", indexed)
	}
	return indexed, nil
}

// sourceText re-reads the row to embed. Memories are listed rather than
// fetched singly; the active set is small by design.
func (ix *Indexer) sourceText(ctx context.Context, kind string, id int64) (string, error) {
	switch kind {
	case EmbedKindMemory:
		mems, err := ix.store.ListActiveMemories(ctx, 0)
		if err != nil {
			return "", err
		}
		for _, m := range mems {
			if m.ID == id {
				return m.Text, nil
			}
		}
	}
	return "", nil
}
