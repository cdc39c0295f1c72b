package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/palomabot/paloma"
)

// ClaimProcessedMessage inserts providerID first-wins. Returns true when
// this caller claimed it.
func (s *Store) ClaimProcessedMessage(ctx context.Context, providerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_messages (provider_id, seen_at) VALUES (?, ?)`,
		providerID, paloma.NowUnix())
	if err != nil {
		return false, fmt.Errorf("dedup insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows: %w", err)
	}
	return n == 1, nil
}

// GetStickyCategories returns the conversation's remembered tool categories.
func (s *Store) GetStickyCategories(ctx context.Context, conversationID int64) ([]string, error) {
	var cats string
	err := s.db.QueryRowContext(ctx,
		`SELECT cats FROM sticky_categories WHERE conversation_id = ?`, conversationID).Scan(&cats)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sticky query: %w", err)
	}
	if cats == "" {
		return nil, nil
	}
	return strings.Split(cats, ","), nil
}

// SetStickyCategories replaces the conversation's sticky set. Empty clears it.
func (s *Store) SetStickyCategories(ctx context.Context, conversationID int64, cats []string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sticky_categories (conversation_id, cats, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET cats = excluded.cats, updated_at = excluded.updated_at`,
		conversationID, strings.Join(cats, ","), paloma.NowUnix())
	if err != nil {
		return fmt.Errorf("sticky upsert: %w", err)
	}
	return nil
}

// SaveCronJob inserts a cron job and returns its id.
func (s *Store) SaveCronJob(ctx context.Context, j paloma.CronJob) (int64, error) {
	active := 0
	if j.Active {
		active = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_jobs (principal, expression, message, timezone, active) VALUES (?, ?, ?, ?, ?)`,
		j.Principal, j.Expression, j.Message, j.Timezone, active)
	if err != nil {
		return 0, fmt.Errorf("cron insert: %w", err)
	}
	return res.LastInsertId()
}

// ListActiveCronJobs returns every active cron job.
func (s *Store) ListActiveCronJobs(ctx context.Context) ([]paloma.CronJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, principal, expression, message, timezone, active FROM cron_jobs WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("cron query: %w", err)
	}
	defer rows.Close()

	var jobs []paloma.CronJob
	for rows.Next() {
		var j paloma.CronJob
		var active int
		if err := rows.Scan(&j.ID, &j.Principal, &j.Expression, &j.Message, &j.Timezone, &active); err != nil {
			return nil, err
		}
		j.Active = active == 1
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// DeactivateCronJob turns a job off without deleting it.
func (s *Store) DeactivateCronJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cron_jobs SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("cron deactivate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cron job %d not found", id)
	}
	return nil
}

// SaveSession upserts an agent session.
func (s *Store) SaveSession(ctx context.Context, sess paloma.AgentSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (id, principal, objective, status, task_plan, scratchpad, round_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, task_plan = excluded.task_plan,
		   scratchpad = excluded.scratchpad, round_count = excluded.round_count`,
		sess.ID, sess.Principal, sess.Objective, sess.Status, sess.TaskPlan, sess.Scratchpad, sess.RoundCount, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("session upsert: %w", err)
	}
	return nil
}

// GetSession returns a session by id, or nil.
func (s *Store) GetSession(ctx context.Context, id string) (*paloma.AgentSession, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, principal, objective, status, COALESCE(task_plan, ''), COALESCE(scratchpad, ''), round_count, created_at
		 FROM agent_sessions WHERE id = ?`, id))
}

// LatestSession returns the principal's newest session, or nil.
func (s *Store) LatestSession(ctx context.Context, principal string) (*paloma.AgentSession, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, principal, objective, status, COALESCE(task_plan, ''), COALESCE(scratchpad, ''), round_count, created_at
		 FROM agent_sessions WHERE principal = ? ORDER BY created_at DESC, id DESC LIMIT 1`, principal))
}

// AppendSessionRound inserts one journal record. Rows are never updated or
// deleted; insertion order is the journal order.
func (s *Store) AppendSessionRound(ctx context.Context, sessionID string, r paloma.SessionRound) error {
	record, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("round marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_rounds (session_id, round, record, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, r.Round, string(record), paloma.NowUnix())
	if err != nil {
		return fmt.Errorf("round insert: %w", err)
	}
	return nil
}

// ListSessionRounds returns a session's journal in insertion order.
func (s *Store) ListSessionRounds(ctx context.Context, sessionID string) ([]paloma.SessionRound, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM session_rounds WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("rounds query: %w", err)
	}
	defer rows.Close()

	var out []paloma.SessionRound
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var r paloma.SessionRound
		if err := json.Unmarshal([]byte(record), &r); err != nil {
			return nil, fmt.Errorf("round unmarshal: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) scanSession(row *sql.Row) (*paloma.AgentSession, error) {
	var sess paloma.AgentSession
	err := row.Scan(&sess.ID, &sess.Principal, &sess.Objective, &sess.Status,
		&sess.TaskPlan, &sess.Scratchpad, &sess.RoundCount, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session query: %w", err)
	}
	return &sess, nil
}
