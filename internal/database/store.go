package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/proctorhub/internal/model"
)

// schema creates the durable tables. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS proctor_sessions (
		id                 UUID PRIMARY KEY,
		subject_id         TEXT NOT NULL,
		exam_id            TEXT NOT NULL,
		start_time         TIMESTAMPTZ NOT NULL,
		end_time           TIMESTAMPTZ,
		status             TEXT NOT NULL,
		end_reason         TEXT NOT NULL DEFAULT '',
		risk_score         DOUBLE PRECISION NOT NULL DEFAULT 0,
		frame_sample_count BIGINT NOT NULL DEFAULT 0,
		alert_count        BIGINT NOT NULL DEFAULT 0,
		last_activity_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS proctor_sessions_open_idx
		ON proctor_sessions (subject_id, exam_id) WHERE status IN ('active', 'disconnected', 'suspended')`,
	`CREATE TABLE IF NOT EXISTS proctor_alerts (
		id          UUID PRIMARY KEY,
		session_id  UUID NOT NULL,
		subject_id  TEXT NOT NULL,
		exam_id     TEXT NOT NULL,
		severity    TEXT NOT NULL,
		category    TEXT NOT NULL,
		risk_score  DOUBLE PRECISION NOT NULL,
		message     TEXT NOT NULL,
		tags        TEXT[] NOT NULL DEFAULT '{}',
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS proctor_alerts_session_idx ON proctor_alerts (session_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS proctor_telemetry_samples (
		id          UUID PRIMARY KEY,
		session_id  UUID NOT NULL,
		sequence    BIGINT NOT NULL,
		sampled_at  TIMESTAMPTZ NOT NULL,
		scores      JSONB NOT NULL,
		alert_tags  TEXT[] NOT NULL DEFAULT '{}',
		frame_ref   TEXT NOT NULL DEFAULT '',
		risk_score  DOUBLE PRECISION NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS proctor_samples_session_idx ON proctor_telemetry_samples (session_id, sequence)`,
}

const upsertSessionSQL = `
	INSERT INTO proctor_sessions (id, subject_id, exam_id, start_time, end_time, status, end_reason,
		risk_score, frame_sample_count, alert_count, last_activity_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO UPDATE SET
		end_time = EXCLUDED.end_time,
		status = EXCLUDED.status,
		end_reason = EXCLUDED.end_reason,
		risk_score = EXCLUDED.risk_score,
		frame_sample_count = EXCLUDED.frame_sample_count,
		alert_count = EXCLUDED.alert_count,
		last_activity_at = EXCLUDED.last_activity_at
`

const insertAlertSQL = `
	INSERT INTO proctor_alerts (id, session_id, subject_id, exam_id, severity, category, risk_score, message, tags, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING
`

const insertSampleSQL = `
	INSERT INTO proctor_telemetry_samples (id, session_id, sequence, sampled_at, scores, alert_tags, frame_ref, risk_score)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO NOTHING
`

// StorageError reports a failed durable write.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err is or wraps a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Batch groups records for a single round trip.
type Batch struct {
	Sessions []model.Session
	Alerts   []model.Alert
	Samples  []model.TelemetrySample
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Sessions) + len(b.Alerts) + len(b.Samples)
}

// BatchResult counts rows written and conflicts skipped.
type BatchResult struct {
	Written   int
	Conflicts int
}

// Store is the PostgreSQL-backed durable store.
type Store struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a Store on an existing pool.
func NewStore(db *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// EnsureSchema creates tables and indexes that do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return &StorageError{Op: "ensure schema", Err: err}
		}
	}
	s.logger.Info("database schema ready", "statements", len(schema))
	return nil
}

// Ping verifies the pool is healthy.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return &StorageError{Op: "ping", Err: err}
	}
	return nil
}

// UpsertSession writes the latest snapshot of a session.
func (s *Store) UpsertSession(ctx context.Context, sess model.Session) error {
	_, err := s.WriteBatch(ctx, Batch{Sessions: []model.Session{sess}})
	return err
}

// InsertAlert stores an alert. A duplicate ID is ignored.
func (s *Store) InsertAlert(ctx context.Context, a model.Alert) error {
	_, err := s.WriteBatch(ctx, Batch{Alerts: []model.Alert{a}})
	return err
}

// AppendTelemetrySample stores a sampled frame. A duplicate ID is ignored.
func (s *Store) AppendTelemetrySample(ctx context.Context, sample model.TelemetrySample) error {
	_, err := s.WriteBatch(ctx, Batch{Samples: []model.TelemetrySample{sample}})
	return err
}

// WriteBatch sends all records in one pgx batch. Sessions are written
// first so alerts and samples never precede the row they refer to.
func (s *Store) WriteBatch(ctx context.Context, b Batch) (BatchResult, error) {
	var res BatchResult
	if b.Len() == 0 {
		return res, nil
	}

	batch := &pgx.Batch{}
	for _, sess := range b.Sessions {
		batch.Queue(upsertSessionSQL,
			sess.ID, sess.SubjectID, sess.ExamID, sess.StartTime, sess.EndTime, string(sess.Status),
			sess.EndReason, sess.RiskScore, sess.FrameSampleCount, sess.AlertCount, sess.LastActivityAt)
	}
	for _, a := range b.Alerts {
		batch.Queue(insertAlertSQL,
			a.ID, a.SessionID, a.SubjectID, a.ExamID, string(a.Severity), a.Category,
			a.RiskScore, a.Message, nonNil(a.Tags), a.Timestamp)
	}
	for _, smp := range b.Samples {
		batch.Queue(insertSampleSQL,
			smp.ID, smp.SessionID, smp.Sequence, smp.Timestamp, scoresJSON(smp.Scores),
			nonNil(smp.AlertTags), smp.FrameRef, smp.RiskScore)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < b.Len(); i++ {
		ct, err := results.Exec()
		if err != nil {
			return res, &StorageError{Op: "write batch", Err: err}
		}
		if ct.RowsAffected() == 0 {
			res.Conflicts++
		} else {
			res.Written++
		}
	}

	return res, nil
}

// OpenSessions returns every session still active, disconnected or
// suspended.
func (s *Store) OpenSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, subject_id, exam_id, start_time, end_time, status, end_reason,
			risk_score, frame_sample_count, alert_count, last_activity_at
		FROM proctor_sessions
		WHERE status IN ('active', 'disconnected', 'suspended')
		ORDER BY start_time
	`)
	if err != nil {
		return nil, &StorageError{Op: "query open sessions", Err: err}
	}

	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Session, error) {
		var (
			sess    model.Session
			status  string
			endTime *time.Time
		)
		err := row.Scan(&sess.ID, &sess.SubjectID, &sess.ExamID, &sess.StartTime, &endTime, &status,
			&sess.EndReason, &sess.RiskScore, &sess.FrameSampleCount, &sess.AlertCount, &sess.LastActivityAt)
		sess.Status = model.SessionStatus(status)
		sess.EndTime = endTime
		return sess, err
	})
	if err != nil {
		return nil, &StorageError{Op: "scan open sessions", Err: err}
	}
	return sessions, nil
}

// scoresJSON converts category scores to a plain map for the JSONB codec.
func scoresJSON(scores model.CategoryScores) map[string]float64 {
	out := make(map[string]float64, len(scores))
	for c, v := range scores {
		out[string(c)] = v
	}
	return out
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
