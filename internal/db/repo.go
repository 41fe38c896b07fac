package db

import (
	"context"
	"database/sql"
	"time"

	"vizmon/internal/models"
)

const (
	StatusFiring    = "firing"
	StatusRecovered = "recovered"
	// StatusCleared closes a violation whose mode was torn down while over
	// budget.
	StatusCleared = "cleared"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *sql.DB { return r.db }

func (r *Repository) SaveBudget(ctx context.Context, mode models.Mode, b models.Budget) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO budgets (mode,max_heap_bytes,max_items,max_gpu_bytes,updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(mode) DO UPDATE SET max_heap_bytes=excluded.max_heap_bytes,max_items=excluded.max_items,max_gpu_bytes=excluded.max_gpu_bytes,updated_at=excluded.updated_at`,
		string(mode), b.MaxHeapBytes, b.MaxItems, b.MaxGPUBytes, time.Now().UTC())
	return err
}

func (r *Repository) DeleteBudget(ctx context.Context, mode models.Mode) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM budgets WHERE mode=?`, string(mode))
	return err
}

// LoadBudgets returns the operator overrides saved through the admin API.
func (r *Repository) LoadBudgets(ctx context.Context) (map[models.Mode]models.Budget, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT mode,max_heap_bytes,max_items,max_gpu_bytes FROM budgets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[models.Mode]models.Budget{}
	for rows.Next() {
		var mode string
		var b models.Budget
		if err := rows.Scan(&mode, &b.MaxHeapBytes, &b.MaxItems, &b.MaxGPUBytes); err != nil {
			return nil, err
		}
		out[models.Mode(mode)] = b
	}
	return out, rows.Err()
}

func (r *Repository) CreateViolation(ctx context.Context, ev models.BudgetEvent) (int64, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO budget_violations (event_id,mode,dimension,status,value,limit_value,started_ts) VALUES (?,?,?,?,?,?,?)`,
		ev.ID, string(ev.Mode), string(ev.Dimension), StatusFiring, ev.Value, ev.Limit, ev.TS.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CloseViolation ends the open violation for mode and dimension, if any, and
// returns its id. It returns 0 when nothing was open.
func (r *Repository) CloseViolation(ctx context.Context, mode models.Mode, dim models.Dimension, status string, ended time.Time) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM budget_violations WHERE mode=? AND dimension=? AND status=? ORDER BY started_ts DESC LIMIT 1`,
		string(mode), string(dim), StatusFiring).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	_, err = r.db.ExecContext(ctx, `UPDATE budget_violations SET status=?, ended_ts_nullable=? WHERE id=?`, status, ended.UTC(), id)
	return id, err
}

// ClearMode closes every open violation of mode.
func (r *Repository) ClearMode(ctx context.Context, mode models.Mode, ended time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE budget_violations SET status=?, ended_ts_nullable=? WHERE mode=? AND status=?`,
		StatusCleared, ended.UTC(), string(mode), StatusFiring)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) RecentViolations(ctx context.Context, since time.Time, limit int) ([]models.Violation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id,event_id,mode,dimension,status,value,limit_value,started_ts,ended_ts_nullable
		FROM budget_violations WHERE started_ts >= ? ORDER BY started_ts DESC, id DESC LIMIT ?`, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Violation, 0, limit)
	for rows.Next() {
		var v models.Violation
		var mode, dim string
		var ended sql.NullTime
		if err := rows.Scan(&v.ID, &v.EventID, &mode, &dim, &v.Status, &v.Value, &v.Limit, &v.StartedAt, &ended); err != nil {
			return nil, err
		}
		v.Mode = models.Mode(mode)
		v.Dimension = models.Dimension(dim)
		if ended.Valid {
			t := ended.Time
			v.EndedAt = &t
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *Repository) OpenViolationCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM budget_violations WHERE status=?`, StatusFiring).Scan(&n)
	return n, err
}

func (r *Repository) InsertNotificationEvent(ctx context.Context, violationID int64, channel, status string, attempts int, lastErr string, sent *time.Time) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO notification_events (violation_id,channel,status,attempts,last_error,sent_ts_nullable) VALUES (?,?,?,?,?,?)`,
		violationID, channel, status, attempts, lastErr, sent)
	return err
}

func (r *Repository) NotificationCount(ctx context.Context, status string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM notification_events WHERE status=?`, status).Scan(&n)
	return n, err
}

// DeleteOlderThan prunes closed violations and their notification attempts.
// Open violations are kept regardless of age.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM budget_violations WHERE started_ts < ? AND status!=?`, cutoff.UTC(), StatusFiring)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if _, err := r.db.ExecContext(ctx, `DELETE FROM notification_events WHERE violation_id != 0 AND violation_id NOT IN (SELECT id FROM budget_violations)`); err != nil {
		return n, err
	}
	_, _ = r.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	_, _ = r.db.ExecContext(ctx, `PRAGMA optimize`)
	return n, nil
}

func (r *Repository) SaveTelegramSettings(ctx context.Context, token, chatID string) error {
	for k, v := range map[string]string{"telegram_token": token, "telegram_chat_id": chatID} {
		if _, err := r.db.ExecContext(ctx, `INSERT INTO settings(key,value) VALUES (?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) LoadTelegramSettings(ctx context.Context) (token, chatID string, err error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key,value FROM settings WHERE key IN ('telegram_token','telegram_chat_id')`)
	if err != nil {
		return "", "", err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return "", "", err
		}
		if k == "telegram_token" {
			token = v
		}
		if k == "telegram_chat_id" {
			chatID = v
		}
	}
	return token, chatID, rows.Err()
}
