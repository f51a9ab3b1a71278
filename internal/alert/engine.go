// Package alert implements the Alert Threshold Engine.
//
// Routine updates carry the smoothed session score and raise an alert once
// it reaches the high threshold. Critical signals raise the session score
// with a max instead of smoothing and always raise an alert. In both paths
// the alert is broadcast to the exam's supervisors before it is handed to
// persistence.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/proctorhub/internal/model"
	"github.com/rickgao/proctorhub/internal/risk"
	"github.com/rickgao/proctorhub/internal/router"
)

// CategoryThreshold is the category of alerts raised by routine scoring.
const CategoryThreshold = "risk_threshold"

// Broadcaster fans an event out to a room.
type Broadcaster interface {
	Broadcast(key router.Key, event router.Event, excludeID string) int
}

// Persister queues an alert for durable storage. It must not block.
type Persister interface {
	PersistAlert(a model.Alert)
}

// Sessions is the part of the session manager the engine needs.
type Sessions interface {
	ForceScore(id uuid.UUID, signaled float64) (model.Session, error)
	RecordAlert(id uuid.UUID) error
}

// Config holds engine thresholds.
type Config struct {
	HighThreshold     float64       // Routine alert at or above (default: 70)
	CriticalThreshold float64       // Critical at or above (default: 90)
	Cooldown          time.Duration // Minimum gap between routine alerts of equal severity per session; 0 disables
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HighThreshold:     70,
		CriticalThreshold: 90,
	}
}

// Update is a scored routine telemetry frame.
type Update struct {
	Session model.Session // Snapshot after the smoothed score was applied
	Tags    []string
}

// Signal is a critical event reported by a subject.
type Signal struct {
	SessionID     uuid.UUID
	ViolationType string
	RiskScore     float64 // 0-100
	Timestamp     time.Time
	Tags          []string
}

// Payload is the high-risk-alert event body.
type Payload struct {
	AlertID   string     `json:"alertId"`
	SessionID string     `json:"sessionId"`
	SubjectID string     `json:"subjectId"`
	ExamID    string     `json:"examId"`
	Severity  string     `json:"severity"`
	Category  string     `json:"category"`
	RiskScore float64    `json:"riskScore"`
	Level     risk.Level `json:"level"`
	Message   string     `json:"message"`
	AlertTags []string   `json:"alertTags"`
}

// Stats contains engine statistics.
type Stats struct {
	Evaluated  int64
	Raised     int64
	Forced     int64
	Suppressed int64 // Routine alerts held back by the cooldown
	Recipients int64
}

type lastAlert struct {
	severity model.Severity
	at       time.Time
}

// Engine evaluates scores and raises alerts.
type Engine struct {
	cfg       Config
	router    Broadcaster
	persister Persister
	sessions  Sessions
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	last map[uuid.UUID]lastAlert

	evaluated  atomic.Int64
	raised     atomic.Int64
	forced     atomic.Int64
	suppressed atomic.Int64
	recipients atomic.Int64
}

// New creates an Engine.
func New(cfg Config, rt Broadcaster, persister Persister, sessions Sessions, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HighThreshold <= 0 {
		cfg.HighThreshold = DefaultConfig().HighThreshold
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = DefaultConfig().CriticalThreshold
	}
	return &Engine{
		cfg:       cfg,
		router:    rt,
		persister: persister,
		sessions:  sessions,
		logger:    logger,
		now:       time.Now,
		last:      make(map[uuid.UUID]lastAlert),
	}
}

// Severity grades a 0-100 score. Scores below the high threshold are
// graded low or medium by their risk band and never alert.
func (e *Engine) Severity(score float64) model.Severity {
	switch {
	case score >= e.cfg.CriticalThreshold:
		return model.SeverityCritical
	case score >= e.cfg.HighThreshold:
		return model.SeverityHigh
	case risk.Classify(score) == risk.LevelMedium:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// Evaluate raises an alert when the smoothed score of a routine update is
// at or above the high threshold. It returns the alert and whether one was
// raised.
func (e *Engine) Evaluate(ctx context.Context, u Update) (model.Alert, bool) {
	e.evaluated.Add(1)

	s := u.Session
	sev := e.Severity(s.RiskScore)
	if sev.Rank() < model.SeverityHigh.Rank() {
		return model.Alert{}, false
	}
	if !e.admit(s.ID, sev) {
		e.suppressed.Add(1)
		return model.Alert{}, false
	}

	a := model.Alert{
		ID:        uuid.New(),
		SessionID: s.ID,
		SubjectID: s.SubjectID,
		ExamID:    s.ExamID,
		Severity:  sev,
		Category:  CategoryThreshold,
		RiskScore: s.RiskScore,
		Message:   fmt.Sprintf("risk score %.1f reached %s threshold", s.RiskScore, sev),
		Tags:      u.Tags,
		Timestamp: e.now().UTC(),
	}
	e.raise(ctx, a)
	return a, true
}

// Force applies a critical signal: the session score becomes the maximum of
// its current value and the signaled one, and an alert is raised
// immediately with severity critical or high.
func (e *Engine) Force(ctx context.Context, sig Signal) (model.Alert, model.Session, error) {
	score := sig.RiskScore
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	s, err := e.sessions.ForceScore(sig.SessionID, score)
	if err != nil {
		return model.Alert{}, s, fmt.Errorf("force score: %w", err)
	}

	sev := model.SeverityHigh
	if s.RiskScore >= e.cfg.CriticalThreshold {
		sev = model.SeverityCritical
	}

	ts := sig.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	category := sig.ViolationType
	if category == "" {
		category = "critical_signal"
	}

	a := model.Alert{
		ID:        uuid.New(),
		SessionID: s.ID,
		SubjectID: s.SubjectID,
		ExamID:    s.ExamID,
		Severity:  sev,
		Category:  category,
		RiskScore: s.RiskScore,
		Message:   fmt.Sprintf("critical signal: %s", category),
		Tags:      sig.Tags,
		Timestamp: ts.UTC(),
	}

	e.forced.Add(1)
	e.raise(ctx, a)
	return a, s, nil
}

// raise broadcasts first, then queues persistence and counts the alert.
func (e *Engine) raise(ctx context.Context, a model.Alert) {
	n := e.router.Broadcast(router.SupervisorsRoom(a.ExamID), router.Event{
		Type:      router.EventHighRiskAlert,
		Data:      NewPayload(a),
		Timestamp: a.Timestamp,
	}, "")
	e.recipients.Add(int64(n))

	if e.persister != nil {
		e.persister.PersistAlert(a)
	}
	if err := e.sessions.RecordAlert(a.SessionID); err != nil {
		e.logger.Warn("failed to count alert", "session_id", a.SessionID, "error", err)
	}
	e.raised.Add(1)

	level := slog.LevelInfo
	if a.Severity == model.SeverityCritical {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "alert raised",
		"alert_id", a.ID,
		"session_id", a.SessionID,
		"subject_id", a.SubjectID,
		"severity", a.Severity,
		"category", a.Category,
		"risk_score", a.RiskScore,
		"recipients", n,
	)
}

// admit applies the routine cooldown. An escalation in severity is always
// admitted. Forced alerts never feed it.
func (e *Engine) admit(id uuid.UUID, sev model.Severity) bool {
	if e.cfg.Cooldown <= 0 {
		return true
	}
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	prev, ok := e.last[id]
	if ok && sev.Rank() <= prev.severity.Rank() && now.Sub(prev.at) < e.cfg.Cooldown {
		return false
	}
	e.last[id] = lastAlert{severity: sev, at: now}
	return true
}

// Forget drops cooldown state for a session.
func (e *Engine) Forget(id uuid.UUID) {
	e.mu.Lock()
	delete(e.last, id)
	e.mu.Unlock()
}

// Prune drops cooldown state older than the cooldown window and returns
// the number of entries removed. Such entries no longer affect admit.
func (e *Engine) Prune(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for id, prev := range e.last {
		if now.Sub(prev.at) >= e.cfg.Cooldown {
			delete(e.last, id)
			n++
		}
	}
	return n
}

// Len returns the number of sessions with cooldown state.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.last)
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		Evaluated:  e.evaluated.Load(),
		Raised:     e.raised.Load(),
		Forced:     e.forced.Load(),
		Suppressed: e.suppressed.Load(),
		Recipients: e.recipients.Load(),
	}
}

// NewPayload renders an alert as a high-risk-alert event body.
func NewPayload(a model.Alert) Payload {
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	return Payload{
		AlertID:   a.ID.String(),
		SessionID: a.SessionID.String(),
		SubjectID: a.SubjectID,
		ExamID:    a.ExamID,
		Severity:  string(a.Severity),
		Category:  a.Category,
		RiskScore: a.RiskScore,
		Level:     risk.Classify(a.RiskScore),
		Message:   a.Message,
		AlertTags: tags,
	}
}
