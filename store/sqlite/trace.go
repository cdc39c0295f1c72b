package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/palomabot/paloma"
)

// StartTrace inserts a trace row.
func (s *Store) StartTrace(ctx context.Context, t paloma.Trace) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO traces (id, principal, message_type, status, provider_msg_id, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Principal, t.MessageType, t.Status, t.ProviderMsgID, t.StartedAt)
	if err != nil {
		return fmt.Errorf("trace insert: %w", err)
	}
	return nil
}

// FinishTrace closes a trace, linking the sent reply when present.
func (s *Store) FinishTrace(ctx context.Context, id, status, providerMsgID string, completedAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE traces SET status = ?, provider_msg_id = ?, completed_at = ? WHERE id = ?`,
		status, providerMsgID, completedAt, id)
	if err != nil {
		return fmt.Errorf("trace finish: %w", err)
	}
	return nil
}

// AppendSpan inserts a span row.
func (s *Store) AppendSpan(ctx context.Context, sp paloma.SpanRecord) error {
	var meta string
	if len(sp.Metadata) > 0 {
		meta = string(sp.Metadata)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spans (id, trace_id, parent_span_id, name, kind, status, started_at, latency_ms, input, output, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.TraceID, sp.ParentSpanID, sp.Name, sp.Kind, sp.Status,
		sp.StartedAt, sp.LatencyMS, sp.Input, sp.Output, meta)
	if err != nil {
		return fmt.Errorf("span insert: %w", err)
	}
	return nil
}

// AppendScore inserts a score row.
func (s *Store) AppendScore(ctx context.Context, sc paloma.ScoreRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scores (trace_id, name, value, source, comment) VALUES (?, ?, ?, ?, ?)`,
		sc.TraceID, sc.Name, sc.Value, sc.Source, sc.Comment)
	if err != nil {
		return fmt.Errorf("score insert: %w", err)
	}
	return nil
}

// GetTraceByProviderMsgID looks a trace up via the reply it produced.
func (s *Store) GetTraceByProviderMsgID(ctx context.Context, providerMsgID string) (*paloma.Trace, error) {
	if providerMsgID == "" {
		return nil, nil
	}
	var t paloma.Trace
	var completed sql.NullInt64
	var pmid sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, principal, message_type, status, provider_msg_id, started_at, completed_at
		 FROM traces WHERE provider_msg_id = ? ORDER BY started_at DESC LIMIT 1`,
		providerMsgID).Scan(&t.ID, &t.Principal, &t.MessageType, &t.Status, &pmid, &t.StartedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trace query: %w", err)
	}
	t.ProviderMsgID = pmid.String
	t.CompletedAt = completed.Int64
	return &t, nil
}

// GetTracesByPrincipal returns recent traces, newest first.
func (s *Store) GetTracesByPrincipal(ctx context.Context, principal string, limit int) ([]paloma.Trace, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, principal, message_type, status, COALESCE(provider_msg_id, ''), started_at, COALESCE(completed_at, 0)
		 FROM traces WHERE principal = ? ORDER BY started_at DESC LIMIT ?`,
		principal, limit)
	if err != nil {
		return nil, fmt.Errorf("traces query: %w", err)
	}
	defer rows.Close()

	var traces []paloma.Trace
	for rows.Next() {
		var t paloma.Trace
		if err := rows.Scan(&t.ID, &t.Principal, &t.MessageType, &t.Status, &t.ProviderMsgID, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, err
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

// CleanupTracesOlderThan removes traces (and their spans and scores) older
// than the retention window. Returns how many traces were removed.
func (s *Store) CleanupTracesOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("cleanup begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM spans WHERE trace_id IN (SELECT id FROM traces WHERE started_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("cleanup spans: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM scores WHERE trace_id IN (SELECT id FROM traces WHERE started_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("cleanup scores: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM traces WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup traces: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("cleanup commit: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("sqlite: trace retention applied", "removed", n, "days", days)
	}
	return int(n), nil
}

// AddDatasetEntry inserts a curated interaction.
func (s *Store) AddDatasetEntry(ctx context.Context, e paloma.DatasetEntry) (int64, error) {
	var meta string
	if len(e.Metadata) > 0 {
		meta = string(e.Metadata)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dataset_entries (trace_id, entry_type, input, output, expected, metadata, tags, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TraceID, e.EntryType, e.Input, e.Output, e.Expected, meta, strings.Join(e.Tags, ","), e.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("dataset insert: %w", err)
	}
	return res.LastInsertId()
}

// ExportDatasetJSONL renders entries of entryType ("" = all) as JSONL.
func (s *Store) ExportDatasetJSONL(ctx context.Context, entryType string) (string, error) {
	q := `SELECT id, COALESCE(trace_id, ''), entry_type, input, output, COALESCE(expected, ''), COALESCE(metadata, ''), COALESCE(tags, ''), created_at FROM dataset_entries`
	args := []any{}
	if entryType != "" {
		q += ` WHERE entry_type = ?`
		args = append(args, entryType)
	}
	q += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return "", fmt.Errorf("dataset query: %w", err)
	}
	defer rows.Close()

	var sb strings.Builder
	for rows.Next() {
		var e paloma.DatasetEntry
		var meta, tags string
		if err := rows.Scan(&e.ID, &e.TraceID, &e.EntryType, &e.Input, &e.Output, &e.Expected, &meta, &tags, &e.CreatedAt); err != nil {
			return "", err
		}
		if meta != "" {
			e.Metadata = json.RawMessage(meta)
		}
		if tags != "" {
			e.Tags = strings.Split(tags, ",")
		}
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		sb.Write(line)
		sb.WriteString("\n")
	}
	return sb.String(), rows.Err()
}

// SavePromptVersion inserts a prompt version (inactive by default).
func (s *Store) SavePromptVersion(ctx context.Context, p paloma.PromptVersion) error {
	active := 0
	if p.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompt_versions (name, version, content, active, created_by, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.Name, p.Version, p.Content, active, p.CreatedBy, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("prompt insert: %w", err)
	}
	return nil
}

// ActivatePromptVersion makes one version active and every sibling inactive,
// in one transaction.
func (s *Store) ActivatePromptVersion(ctx context.Context, name string, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("prompt activate begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE prompt_versions SET active = 0 WHERE name = ?`, name); err != nil {
		return fmt.Errorf("prompt deactivate: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE prompt_versions SET active = 1 WHERE name = ? AND version = ?`, name, version)
	if err != nil {
		return fmt.Errorf("prompt activate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("prompt %s v%d not found", name, version)
	}
	return tx.Commit()
}

// GetActivePrompt returns the active version of a prompt, or nil.
func (s *Store) GetActivePrompt(ctx context.Context, name string) (*paloma.PromptVersion, error) {
	var p paloma.PromptVersion
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT name, version, content, active, created_by, created_at FROM prompt_versions
		 WHERE name = ? AND active = 1 LIMIT 1`,
		name).Scan(&p.Name, &p.Version, &p.Content, &active, &p.CreatedBy, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("prompt query: %w", err)
	}
	p.Active = active == 1
	return &p, nil
}
