package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/palomabot/paloma"
)

// AddMemory inserts a memory and returns its id.
func (s *Store) AddMemory(ctx context.Context, m paloma.Memory) (int64, error) {
	active := 0
	if m.Active {
		active = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (text, category, active, created_at) VALUES (?, ?, ?, ?)`,
		m.Text, m.Category, active, m.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("memory insert: %w", err)
	}
	return res.LastInsertId()
}

// SoftDeleteMemory deactivates a memory without removing the row.
func (s *Store) SoftDeleteMemory(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("memory deactivate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory %d not found", id)
	}
	return nil
}

// ListActiveMemories returns active memories, newest first. limit <= 0 means
// all. Expired self-correction memories (older than 24h) are filtered here.
func (s *Store) ListActiveMemories(ctx context.Context, limit int) ([]paloma.Memory, error) {
	q := `SELECT id, text, category, active, created_at FROM memories WHERE active = 1 ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memories query: %w", err)
	}
	defer rows.Close()

	cutoff := time.Now().Add(-24 * time.Hour).Unix()
	var mems []paloma.Memory
	for rows.Next() {
		var m paloma.Memory
		var active int
		if err := rows.Scan(&m.ID, &m.Text, &m.Category, &active, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("memory scan: %w", err)
		}
		m.Active = active == 1
		if m.Category == paloma.CategorySelfCorrection && m.CreatedAt < cutoff {
			continue
		}
		mems = append(mems, m)
	}
	return mems, rows.Err()
}

// SearchMemories returns the topK active memories closest to the query
// embedding by cosine distance.
func (s *Store) SearchMemories(ctx context.Context, embedding []float32, topK int) ([]paloma.ScoredMemory, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.text, m.category, m.created_at, e.vec
		 FROM memories m JOIN embeddings e ON e.kind = 'memory' AND e.source_id = m.id
		 WHERE m.active = 1`)
	if err != nil {
		return nil, fmt.Errorf("memory search query: %w", err)
	}
	defer rows.Close()

	var scored []paloma.ScoredMemory
	for rows.Next() {
		var m paloma.Memory
		var vecText string
		if err := rows.Scan(&m.ID, &m.Text, &m.Category, &m.CreatedAt, &vecText); err != nil {
			continue
		}
		vec, err := deserializeEmbedding(vecText)
		if err != nil || len(vec) == 0 {
			continue
		}
		m.Active = true
		scored = append(scored, paloma.ScoredMemory{
			Memory:   m,
			Distance: 1 - cosineSimilarity(embedding, vec),
		})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Distance < scored[j].Distance })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	s.logger.Debug("sqlite: memory search", "results", len(scored), "duration", time.Since(start))
	return scored, rows.Err()
}

// AddNote inserts a note and returns its id.
func (s *Store) AddNote(ctx context.Context, n paloma.Note) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (title, content, created_at) VALUES (?, ?, ?)`,
		n.Title, n.Content, n.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("note insert: %w", err)
	}
	return res.LastInsertId()
}

// SearchNotes returns the topK notes closest to the query embedding.
func (s *Store) SearchNotes(ctx context.Context, embedding []float32, topK int) ([]paloma.ScoredNote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT n.id, n.title, n.content, n.created_at, e.vec
		 FROM notes n JOIN embeddings e ON e.kind = 'note' AND e.source_id = n.id`)
	if err != nil {
		return nil, fmt.Errorf("note search query: %w", err)
	}
	defer rows.Close()

	var scored []paloma.ScoredNote
	for rows.Next() {
		var n paloma.Note
		var vecText string
		if err := rows.Scan(&n.ID, &n.Title, &n.Content, &n.CreatedAt, &vecText); err != nil {
			continue
		}
		vec, err := deserializeEmbedding(vecText)
		if err != nil || len(vec) == 0 {
			continue
		}
		scored = append(scored, paloma.ScoredNote{
			Note:     n,
			Distance: 1 - cosineSimilarity(embedding, vec),
		})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Distance < scored[j].Distance })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, rows.Err()
}

// SetEmbedding stores or replaces a vector for a source row.
func (s *Store) SetEmbedding(ctx context.Context, kind string, sourceID int64, vec []float32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embeddings (kind, source_id, vec) VALUES (?, ?, ?)
		 ON CONFLICT(kind, source_id) DO UPDATE SET vec = excluded.vec`,
		kind, sourceID, serializeEmbedding(vec))
	if err != nil {
		return fmt.Errorf("embedding upsert: %w", err)
	}
	return nil
}

// RemoveEmbedding drops a vector.
func (s *Store) RemoveEmbedding(ctx context.Context, kind string, sourceID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM embeddings WHERE kind = ? AND source_id = ?`, kind, sourceID)
	if err != nil {
		return fmt.Errorf("embedding delete: %w", err)
	}
	return nil
}

// MissingEmbeddings lists source ids of the given kind without a vector.
func (s *Store) MissingEmbeddings(ctx context.Context, kind string) ([]int64, error) {
	var q string
	switch kind {
	case paloma.EmbedKindMemory:
		q = `SELECT m.id FROM memories m
		     LEFT JOIN embeddings e ON e.kind = 'memory' AND e.source_id = m.id
		     WHERE m.active = 1 AND e.source_id IS NULL`
	case paloma.EmbedKindNote:
		q = `SELECT n.id FROM notes n
		     LEFT JOIN embeddings e ON e.kind = 'note' AND e.source_id = n.id
		     WHERE e.source_id IS NULL`
	default:
		return nil, fmt.Errorf("unknown embedding kind %q", kind)
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("missing embeddings query: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// serializeEmbedding encodes a vector as JSON text.
func serializeEmbedding(vec []float32) string {
	b, _ := json.Marshal(vec)
	return string(b)
}

// deserializeEmbedding decodes a JSON text vector.
func deserializeEmbedding(text string) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal([]byte(text), &vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// cosineSimilarity returns the cosine of the angle between a and b, 0 when
// dimensions mismatch or either vector is zero.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
