package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/proctorhub/internal/model"
)

// Errors
var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrClosed            = errors.New("session closed")
	ErrSuspended         = errors.New("session suspended")
	ErrInvalidKey        = errors.New("subject id and exam id are required")
)

// Persister receives every session snapshot after a mutation. It is called
// with the manager lock held and must not block.
type Persister interface {
	PersistSession(s model.Session)
}

// Loader returns sessions that were still open or suspended when the
// process stopped.
type Loader interface {
	OpenSessions(ctx context.Context) ([]model.Session, error)
}

// Outcome tells a ResolveOrCreate caller what happened.
type Outcome string

// ReasonSuperseded ends a duplicate open session found on restore.
const ReasonSuperseded = "superseded"

const (
	OutcomeCreated  Outcome = "created"
	OutcomeResumed  Outcome = "resumed"
	OutcomeExisting Outcome = "existing"
)

// transitions lists the allowed status changes.
var transitions = map[model.SessionStatus][]model.SessionStatus{
	model.StatusActive:       {model.StatusDisconnected, model.StatusSuspended, model.StatusCompleted},
	model.StatusDisconnected: {model.StatusActive, model.StatusSuspended, model.StatusCompleted},
	model.StatusSuspended:    {model.StatusCompleted},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to model.SessionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type slot struct {
	subjectID string
	examID    string
}

// Stats contains manager statistics.
type Stats struct {
	Open     int
	Tracked  int
	Created  int64
	Resumed  int64
	Ended    int64
	Restored int64
}

// Manager owns the lifecycle of proctoring sessions.
type Manager struct {
	persister Persister
	logger    *slog.Logger
	now       func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	sessions map[uuid.UUID]*model.Session
	open      map[slot]uuid.UUID // at most one open session per (subject, exam)
	suspended map[slot]uuid.UUID // blocks new sessions until ended

	created  atomic.Int64
	resumed  atomic.Int64
	ended    atomic.Int64
	restored atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager. A nil persister discards snapshots.
func NewManager(persister Persister, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		persister: persister,
		logger:    logger,
		now:       time.Now,
		sessions:  make(map[uuid.UUID]*model.Session),
		open:      make(map[slot]uuid.UUID),
		suspended: make(map[slot]uuid.UUID),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type resolution struct {
	session model.Session
	outcome Outcome
}

// ResolveOrCreate returns the open session for (subjectID, examID), resuming
// it if disconnected, or creates one. Concurrent callers for the same pair
// all receive the same session and exactly one is created.
func (m *Manager) ResolveOrCreate(ctx context.Context, subjectID, examID string) (model.Session, Outcome, error) {
	if err := ctx.Err(); err != nil {
		return model.Session{}, "", err
	}
	if strings.TrimSpace(subjectID) == "" || strings.TrimSpace(examID) == "" {
		return model.Session{}, "", ErrInvalidKey
	}

	key := subjectID + "\x00" + examID
	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.resolve(slot{subjectID: subjectID, examID: examID})
	})
	if err != nil {
		return model.Session{}, "", err
	}
	res := v.(resolution)
	return res.session, res.outcome, nil
}

func (m *Manager) resolve(k slot) (resolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if id, ok := m.suspended[k]; ok {
		return resolution{}, fmt.Errorf("%w: %s", ErrSuspended, id)
	}

	if id, ok := m.open[k]; ok {
		s := m.sessions[id]
		if s.Status == model.StatusDisconnected {
			s.Status = model.StatusActive
			s.LastActivityAt = now
			m.persistLocked(s)
			m.resumed.Add(1)
			m.logger.Info("session resumed", "session_id", s.ID, "subject_id", s.SubjectID, "exam_id", s.ExamID)
			return resolution{session: clone(s), outcome: OutcomeResumed}, nil
		}
		return resolution{session: clone(s), outcome: OutcomeExisting}, nil
	}

	s := &model.Session{
		ID:             uuid.New(),
		SubjectID:      k.subjectID,
		ExamID:         k.examID,
		StartTime:      now,
		Status:         model.StatusActive,
		LastActivityAt: now,
	}
	m.sessions[s.ID] = s
	m.open[k] = s.ID
	m.persistLocked(s)
	m.created.Add(1)

	m.logger.Info("session created", "session_id", s.ID, "subject_id", s.SubjectID, "exam_id", s.ExamID)
	return resolution{session: clone(s), outcome: OutcomeCreated}, nil
}

// End completes a session. Ending a completed session is a no-op.
func (m *Manager) End(ctx context.Context, id uuid.UUID, reason string) (model.Session, error) {
	if err := ctx.Err(); err != nil {
		return model.Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	if s.Status == model.StatusCompleted {
		return clone(s), nil
	}

	now := m.now()
	s.Status = model.StatusCompleted
	s.EndTime = &now
	s.EndReason = reason
	s.LastActivityAt = now
	m.closeSlotLocked(s)
	if k := (slot{subjectID: s.SubjectID, examID: s.ExamID}); m.suspended[k] == s.ID {
		delete(m.suspended, k)
	}
	m.persistLocked(s)
	m.ended.Add(1)

	m.logger.Info("session ended",
		"session_id", s.ID,
		"subject_id", s.SubjectID,
		"reason", reason,
		"risk_score", s.RiskScore,
	)
	return clone(s), nil
}

// Disconnect moves an active session to disconnected so the subject can
// resume it. Sessions in any other status are left unchanged.
func (m *Manager) Disconnect(ctx context.Context, id uuid.UUID) (model.Session, error) {
	if err := ctx.Err(); err != nil {
		return model.Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	if s.Status != model.StatusActive {
		return clone(s), nil
	}

	s.Status = model.StatusDisconnected
	s.LastActivityAt = m.now()
	m.persistLocked(s)

	m.logger.Info("session disconnected", "session_id", s.ID, "subject_id", s.SubjectID)
	return clone(s), nil
}

// Suspend moves an open session to suspended. Only End may follow.
func (m *Manager) Suspend(ctx context.Context, id uuid.UUID, reason string) (model.Session, error) {
	if err := ctx.Err(); err != nil {
		return model.Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	if s.Status == model.StatusSuspended {
		return clone(s), nil
	}
	if !CanTransition(s.Status, model.StatusSuspended) {
		return clone(s), fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, model.StatusSuspended)
	}

	s.Status = model.StatusSuspended
	s.EndReason = reason
	s.LastActivityAt = m.now()
	m.closeSlotLocked(s)
	m.suspended[slot{subjectID: s.SubjectID, examID: s.ExamID}] = s.ID
	m.persistLocked(s)

	m.logger.Warn("session suspended", "session_id", s.ID, "subject_id", s.SubjectID, "reason", reason)
	return clone(s), nil
}

// ApplyScore replaces the session score with update(current). The update
// runs under the manager lock so concurrent frames never interleave.
// Completed and suspended sessions return ErrClosed and are left unchanged.
func (m *Manager) ApplyScore(id uuid.UUID, update func(current float64) float64) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	if s.Status == model.StatusCompleted || s.Status == model.StatusSuspended {
		return clone(s), ErrClosed
	}

	s.RiskScore = clampScore(update(s.RiskScore))
	s.LastActivityAt = m.now()
	m.persistLocked(s)
	return clone(s), nil
}

// ForceScore raises the session score to signaled if it is higher, without
// smoothing.
func (m *Manager) ForceScore(id uuid.UUID, signaled float64) (model.Session, error) {
	return m.ApplyScore(id, func(current float64) float64 {
		if signaled > current {
			return signaled
		}
		return current
	})
}

// RecordSample counts a persisted telemetry sample.
func (m *Manager) RecordSample(id uuid.UUID) error {
	return m.bump(id, func(s *model.Session) { s.FrameSampleCount++ })
}

// RecordAlert counts a raised alert.
func (m *Manager) RecordAlert(id uuid.UUID) error {
	return m.bump(id, func(s *model.Session) { s.AlertCount++ })
}

func (m *Manager) bump(id uuid.UUID, fn func(*model.Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	m.persistLocked(s)
	return nil
}

// Get returns a session by ID.
func (m *Manager) Get(id uuid.UUID) (model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return clone(s), nil
}

// ActiveForExam returns the open sessions of an exam, oldest first.
func (m *Manager) ActiveForExam(examID string) []model.Session {
	m.mu.RLock()
	out := make([]model.Session, 0)
	for k, id := range m.open {
		if k.examID == examID {
			out = append(out, clone(m.sessions[id]))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Restore loads open and suspended sessions from durable storage,
// typically once at start-up. Sessions already tracked are kept. When
// storage holds more than one open session for a pair, the newest wins and
// the others are completed as superseded.
func (m *Manager) Restore(ctx context.Context, loader Loader) (int, error) {
	sessions, err := loader.OpenSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load open sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	restored, superseded := 0, 0
	loaded := make(map[uuid.UUID]bool)
	for i := range sessions {
		s := sessions[i]
		if _, ok := m.sessions[s.ID]; ok {
			continue
		}
		k := slot{subjectID: s.SubjectID, examID: s.ExamID}

		switch {
		case s.Status == model.StatusSuspended:
			m.sessions[s.ID] = &s
			m.suspended[k] = s.ID
			loaded[s.ID] = true
			restored++
			continue
		case !s.Status.Open():
			continue
		}

		if id, ok := m.open[k]; ok {
			existing := m.sessions[id]
			if !loaded[id] || !s.StartTime.After(existing.StartTime) {
				m.logger.Warn("superseding duplicate open session", "session_id", s.ID, "kept", existing.ID)
				m.sessions[s.ID] = &s
				m.supersedeLocked(&s)
				superseded++
				continue
			}
			m.logger.Warn("superseding duplicate open session", "session_id", existing.ID, "kept", s.ID)
			m.supersedeLocked(existing)
			superseded++
			restored--
		}

		// Whoever was connected before the restart is not connected now.
		s.Status = model.StatusDisconnected
		m.sessions[s.ID] = &s
		m.open[k] = s.ID
		loaded[s.ID] = true
		restored++
	}

	m.restored.Add(int64(restored))
	m.logger.Info("restored open sessions", "loaded", len(sessions), "restored", restored, "superseded", superseded)
	return restored, nil
}

// supersedeLocked completes a duplicate open session found on restore.
func (m *Manager) supersedeLocked(s *model.Session) {
	now := m.now()
	s.Status = model.StatusCompleted
	s.EndTime = &now
	s.EndReason = ReasonSuperseded
	s.LastActivityAt = now
	m.closeSlotLocked(s)
	m.persistLocked(s)
}

// PruneCompleted forgets completed sessions that ended before cutoff and
// returns how many were dropped. Their durable records are unaffected.
func (m *Manager) PruneCompleted(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for id, s := range m.sessions {
		if s.Status == model.StatusCompleted && s.EndTime != nil && s.EndTime.Before(cutoff) {
			delete(m.sessions, id)
			pruned++
		}
	}
	return pruned
}

// Stats returns manager statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	open, tracked := len(m.open), len(m.sessions)
	m.mu.RUnlock()

	return Stats{
		Open:     open,
		Tracked:  tracked,
		Created:  m.created.Load(),
		Resumed:  m.resumed.Load(),
		Ended:    m.ended.Load(),
		Restored: m.restored.Load(),
	}
}

func (m *Manager) closeSlotLocked(s *model.Session) {
	k := slot{subjectID: s.SubjectID, examID: s.ExamID}
	if m.open[k] == s.ID {
		delete(m.open, k)
	}
}

func (m *Manager) persistLocked(s *model.Session) {
	if m.persister != nil {
		m.persister.PersistSession(clone(s))
	}
}

func clone(s *model.Session) model.Session {
	out := *s
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	return out
}

func clampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
