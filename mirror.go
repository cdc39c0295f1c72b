package paloma

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Mirror keeps a human-editable Markdown file in sync with the memory store.
// Writes flow both ways: store changes rewrite the file, and file edits
// (detected via fsnotify) are parsed back into the store. Memories in the
// self_correction category are internal and never leave the store.
type Mirror struct {
	store   Store
	indexer *Indexer // nil = no re-embedding on sync
	path    string
	logger  *slog.Logger

	// selfWrite is the one-bit guard breaking the write → watch → write
	// cycle: set before our own file write, consumed by the next event.
	selfWrite atomic.Bool
}

// NewMirror creates a Mirror for the given file path.
func NewMirror(store Store, indexer *Indexer, path string, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = nopLogger
	}
	return &Mirror{store: store, indexer: indexer, path: path, logger: logger}
}

// WriteFile renders the active memories (grouped by category, one bullet
// each) and replaces the mirror file.
func (m *Mirror) WriteFile(ctx context.Context) error {
	mems, err := m.store.ListActiveMemories(ctx, 0)
	if err != nil {
		return fmt.Errorf("mirror: %w", err)
	}

	byCat := map[string][]Memory{}
	for _, mem := range mems {
		if mem.Category == CategorySelfCorrection {
			continue
		}
		cat := mem.Category
		if cat == "" {
			cat = "general"
		}
		byCat[cat] = append(byCat[cat], mem)
	}
	cats := make([]string, 0, len(byCat))
	for c := range byCat {
		cats = append(cats, c)
	}
	sort.Strings(cats)

	var sb strings.Builder
	sb.WriteString("# Memories\n")
	for _, cat := range cats {
		sb.WriteString("\n## " + cat + "\n\n")
		for _, mem := range byCat[cat] {
			sb.WriteString("- " + mem.Text + "\n")
		}
	}

	m.selfWrite.Store(true)
	if err := os.WriteFile(m.path, []byte(sb.String()), 0o600); err != nil {
		m.selfWrite.Store(false)
		return fmt.Errorf("mirror: %w", err)
	}
	return nil
}

// Watch follows the mirror file until ctx is cancelled, syncing human edits
// back into the store. The file's directory is watched (editors replace
// files rather than writing in place).
func (m *Mirror) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("mirror: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("mirror: %w", err)
	}
	m.logger.Info("memory mirror watching", "path", m.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if m.selfWrite.Swap(false) {
				continue // our own write echoing back
			}
			if err := m.SyncFromFile(ctx); err != nil {
				m.logger.Warn("mirror sync failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("mirror watcher error", "error", err)
		}
	}
}

// SyncFromFile parses the mirror file and reconciles the store against it:
// new bullets become memories, missing bullets soft-delete theirs.
// self_correction memories are invisible to the file and never touched.
func (m *Mirror) SyncFromFile(ctx context.Context) error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("mirror: %w", err)
	}
	fileItems := parseMemoryBullets(data)

	mems, err := m.store.ListActiveMemories(ctx, 0)
	if err != nil {
		return fmt.Errorf("mirror: %w", err)
	}

	inStore := map[string]Memory{}
	for _, mem := range mems {
		if mem.Category == CategorySelfCorrection {
			continue
		}
		inStore[mem.Text] = mem
	}
	inFile := map[string]string{} // text -> category
	for _, it := range fileItems {
		inFile[it.text] = it.category
	}

	added, removed := 0, 0
	for text, cat := range inFile {
		if _, ok := inStore[text]; ok {
			continue
		}
		id, err := m.store.AddMemory(ctx, Memory{Text: text, Category: cat, Active: true, CreatedAt: NowUnix()})
		if err != nil {
			m.logger.Warn("mirror add failed", "error", err)
			continue
		}
		if m.indexer != nil {
			m.indexer.IndexMemory(id, text)
		}
		added++
	}
	for text, mem := range inStore {
		if _, ok := inFile[text]; ok {
			continue
		}
		if err := m.store.SoftDeleteMemory(ctx, mem.ID); err != nil {
			m.logger.Warn("mirror delete failed", "id", mem.ID, "error", err)
			continue
		}
		if m.indexer != nil {
			m.indexer.Remove(ctx, EmbedKindMemory, mem.ID)
		}
		removed++
	}
	if added > 0 || removed > 0 {
		m.logger.Info("mirror synced", "added", added, "removed", removed)
	}
	return nil
}

type memoryBullet struct {
	text     string
	category string
}

// parseMemoryBullets walks the Markdown AST collecting list items, tagging
// each with the nearest preceding level-2 heading as its category.
func parseMemoryBullets(src []byte) []memoryBullet {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var items []memoryBullet
	category := ""
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			if node.Level == 2 {
				category = strings.TrimSpace(string(node.Text(src)))
			}
		case *ast.ListItem:
			txt := strings.TrimSpace(string(node.Text(src)))
			if txt != "" {
				items = append(items, memoryBullet{text: txt, category: category})
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return items
}

// WriteSnapshot archives cleared conversation messages as a dated Markdown
// log under dir. Used by /clear so history removal is never destructive.
func WriteSnapshot(dir string, msgs []Message) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	name := filepath.Join(dir, time.Now().Format("2006-01-02_150405")+".md")

	var sb strings.Builder
	sb.WriteString("# Conversation snapshot\n\n")
	for _, msg := range msgs {
		ts := time.Unix(msg.CreatedAt, 0).Format("2006-01-02 15:04")
		fmt.Fprintf(&sb, "**%s** (%s):\n%s\n\n", msg.Role, ts, msg.Text)
	}
	if err := os.WriteFile(name, []byte(sb.String()), 0o600); err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	return name, nil
}
