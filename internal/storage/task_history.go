package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/meshcompute/compute-node/internal/model"
)

// TaskRecord is one terminal task outcome kept for diagnostics. Records are
// transient bookkeeping, pruned by maintenance; the network never reads
// them back.
type TaskRecord struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	PeerID      string           `json:"peer_id,omitempty"`
	Model       string           `json:"model,omitempty"`
	Status      model.TaskStatus `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	ReceivedAt  time.Time        `json:"received_at"`
	StartedAt   time.Time        `json:"started_at,omitempty"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
	Duration    time.Duration    `json:"duration,omitempty"`
}

// TaskHistoryStorage defines the interface for task outcome storage.
type TaskHistoryStorage interface {
	// Store persists one terminal task outcome.
	Store(ctx context.Context, rec *TaskRecord) error

	// List retrieves records ordered by completion time, newest first.
	List(ctx context.Context, offset, limit int) ([]*TaskRecord, error)

	// Count returns the total number of records.
	Count(ctx context.Context) (int, error)

	// DeleteBefore deletes records completed before the given time.
	DeleteBefore(ctx context.Context, before time.Time) error

	// Close releases the underlying store.
	Close() error
}

// SQLiteTaskHistory implements TaskHistoryStorage using SQLite.
type SQLiteTaskHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteTaskHistory opens (or creates) the history database at dbPath.
func NewSQLiteTaskHistory(logger *zap.Logger, dbPath string) (*SQLiteTaskHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteTaskHistory{
		logger: logger.Named("history"),
		db:     db,
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTaskHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_history (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			peer_id TEXT,
			model TEXT,
			status TEXT NOT NULL,
			reason TEXT,
			received_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			duration INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_task_history_task_id ON task_history(task_id);
		CREATE INDEX IF NOT EXISTS idx_task_history_completed_at ON task_history(completed_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

func (s *SQLiteTaskHistory) Store(ctx context.Context, rec *TaskRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history
			(id, task_id, peer_id, model, status, reason, received_at, started_at, completed_at, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TaskID, rec.PeerID, rec.Model, string(rec.Status), rec.Reason,
		rec.ReceivedAt, nullableTime(rec.StartedAt), nullableTime(rec.CompletedAt),
		int64(rec.Duration))
	if err != nil {
		return fmt.Errorf("failed to store task record: %w", err)
	}
	return nil
}

func (s *SQLiteTaskHistory) List(ctx context.Context, offset, limit int) ([]*TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, peer_id, model, status, reason, received_at, started_at, completed_at, duration
		FROM task_history
		ORDER BY completed_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list task records: %w", err)
	}
	defer rows.Close()

	var out []*TaskRecord
	for rows.Next() {
		rec := &TaskRecord{}
		var peerID, modelName, reason sql.NullString
		var startedAt, completedAt sql.NullTime
		var duration int64
		var status string
		if err := rows.Scan(&rec.ID, &rec.TaskID, &peerID, &modelName, &status, &reason,
			&rec.ReceivedAt, &startedAt, &completedAt, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan task record: %w", err)
		}
		rec.PeerID = peerID.String
		rec.Model = modelName.String
		rec.Status = model.TaskStatus(status)
		rec.Reason = reason.String
		if startedAt.Valid {
			rec.StartedAt = startedAt.Time
		}
		if completedAt.Valid {
			rec.CompletedAt = completedAt.Time
		}
		rec.Duration = time.Duration(duration)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteTaskHistory) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_history`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count task records: %w", err)
	}
	return count, nil
}

func (s *SQLiteTaskHistory) DeleteBefore(ctx context.Context, before time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_history WHERE completed_at < ?`, before)
	if err != nil {
		return fmt.Errorf("failed to delete old task records: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("Deleted old task records", zap.Int64("count", n))
	}
	return nil
}

func (s *SQLiteTaskHistory) Close() error {
	return s.db.Close()
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
