package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/proctorhub/internal/alert"
	"github.com/rickgao/proctorhub/internal/inference"
	"github.com/rickgao/proctorhub/internal/model"
	"github.com/rickgao/proctorhub/internal/registry"
	"github.com/rickgao/proctorhub/internal/risk"
	"github.com/rickgao/proctorhub/internal/router"
	"github.com/rickgao/proctorhub/internal/sampling"
	"github.com/rickgao/proctorhub/internal/session"
)

// Disconnect reasons.
const (
	ReasonClosed    = "connection closed"
	ReasonTransport = "transport error"
	ReasonStale     = "stale connection"
	ReasonRejoined  = "rejoined another session"
	ReasonShutdown  = "server shutdown"
)

// SamplePersister queues sampled frames for durable storage. It must not block.
type SamplePersister interface {
	PersistSample(s model.TelemetrySample)
}

// Inference analyses an image in the background and calls done exactly once.
type Inference interface {
	Submit(image []byte, done func(inference.Result, error))
}

// Config holds coordinator settings.
type Config struct {
	AckEvery int // Acknowledge every Nth telemetry frame per connection (default: 5)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{AckEvery: 5}
}

// Deps are the components the coordinator drives. Inference and Samples may
// be nil.
type Deps struct {
	Registry   *registry.Registry
	Router     *router.Router
	Sessions   *session.Manager
	Alerts     *alert.Engine
	Aggregator *risk.Aggregator
	Sampler    *sampling.Sampler
	Samples    SamplePersister
	Inference  Inference
}

// Stats contains coordinator statistics.
type Stats struct {
	Connected    int64
	Disconnected int64
	Messages     int64
	Rejected     int64 // Messages answered with an error
	Frames       int64 // Frames applied to a session score
	Sampled      int64 // Frames selected for persistence
	Discarded    int64 // Frames dropped because the session had closed
	Panics       int64
}

// Coordinator routes protocol messages to the core components.
type Coordinator struct {
	cfg Config

	registry   *registry.Registry
	router     *router.Router
	sessions   *session.Manager
	alerts     *alert.Engine
	aggregator *risk.Aggregator
	sampler    *sampling.Sampler
	samples    SamplePersister
	inference  Inference

	logger *slog.Logger
	now    func() time.Time

	connected    atomic.Int64
	disconnected atomic.Int64
	messages     atomic.Int64
	rejected     atomic.Int64
	frames       atomic.Int64
	sampled      atomic.Int64
	discarded    atomic.Int64
	panics       atomic.Int64
}

// New creates a Coordinator.
func New(cfg Config, deps Deps, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AckEvery <= 0 {
		cfg.AckEvery = DefaultConfig().AckEvery
	}
	if deps.Aggregator == nil {
		deps.Aggregator = risk.NewAggregator(risk.DefaultWeights(), risk.DefaultAlpha)
	}
	if deps.Sampler == nil {
		deps.Sampler = sampling.New(sampling.DefaultPolicy(), nil)
	}
	return &Coordinator{
		cfg:        cfg,
		registry:   deps.Registry,
		router:     deps.Router,
		sessions:   deps.Sessions,
		alerts:     deps.Alerts,
		aggregator: deps.Aggregator,
		sampler:    deps.Sampler,
		samples:    deps.Samples,
		inference:  deps.Inference,
		logger:     logger,
		now:        time.Now,
	}
}

// Connect registers a new transport and returns the handler for its
// inbound traffic. ctx bounds the work started on behalf of the connection.
func (c *Coordinator) Connect(ctx context.Context, sink registry.Sink, remoteAddr string) *Handler {
	id := c.registry.Register(sink, remoteAddr)
	c.connected.Add(1)
	return &Handler{c: c, id: id, ctx: ctx}
}

// Disconnect unregisters a connection, removes it from every room and, for
// a subject, moves its session to disconnected. Calling it again for the
// same connection does nothing.
func (c *Coordinator) Disconnect(connID, reason string) {
	conn, ok := c.registry.Unregister(connID)
	if !ok {
		return
	}
	c.router.LeaveAll(connID)
	c.disconnected.Add(1)

	c.logger.Info("connection closed",
		"conn_id", connID,
		"identity", conn.Identity,
		"role", conn.Role,
		"reason", reason,
	)
	c.release(conn, reason)
}

// Evicted handles a connection removed by the stale connection reaper. It
// closes the transport and releases the subject's session.
func (c *Coordinator) Evicted(conn registry.Connection, _ []router.Key) {
	c.disconnected.Add(1)
	if sink := conn.Sink(); sink != nil {
		if err := sink.Close(); err != nil {
			c.logger.Debug("close evicted transport", "conn_id", conn.ID, "error", err)
		}
	}
	c.release(conn, ReasonStale)
}

// release moves a subject's session to disconnected and tells supervisors,
// unless another connection of the same subject is still attached.
func (c *Coordinator) release(conn registry.Connection, reason string) {
	if conn.Role != model.RoleSubject || conn.SessionID == "" {
		return
	}
	if len(c.router.Members(router.SessionRoom(conn.ExamID, conn.SessionID))) > 0 {
		return
	}

	sid, err := uuid.Parse(conn.SessionID)
	if err != nil {
		c.logger.Error("connection bound to malformed session id", "conn_id", conn.ID, "session_id", conn.SessionID)
		return
	}
	if _, err := c.sessions.Disconnect(context.Background(), sid); err != nil && !errors.Is(err, session.ErrNotFound) {
		c.logger.Warn("failed to disconnect session", "session_id", sid, "error", err)
	}

	c.router.Broadcast(router.SupervisorsRoom(conn.ExamID), c.event(router.EventStudentDisconnected, StudentDisconnectedPayload{
		SubjectID: conn.Identity,
		SessionID: conn.SessionID,
		Reason:    reason,
	}), "")
}

// EndSession completes a session, or suspends it when suspend is set, and
// notifies the session's subjects and the exam's supervisors.
func (c *Coordinator) EndSession(ctx context.Context, id uuid.UUID, reason string, suspend bool) (model.Session, error) {
	if reason == "" {
		reason = "ended by supervisor"
	}

	var (
		s   model.Session
		err error
	)
	if suspend {
		s, err = c.sessions.Suspend(ctx, id, reason)
	} else {
		s, err = c.sessions.End(ctx, id, reason)
	}
	if err != nil {
		return s, err
	}
	if !suspend {
		c.alerts.Forget(id)
	}

	ev := c.event(router.EventSessionEnded, SessionEndedPayload{
		SessionID: s.ID.String(),
		SubjectID: s.SubjectID,
		Status:    s.Status,
		Reason:    reason,
		Report:    risk.NewReport(s.RiskScore),
	})
	c.router.Broadcast(router.SessionRoom(s.ExamID, s.ID.String()), ev, "")
	c.router.Broadcast(router.SupervisorsRoom(s.ExamID), ev, "")
	return s, nil
}

// ActiveSessions returns the open sessions of an exam.
func (c *Coordinator) ActiveSessions(examID string) []SessionView {
	sessions := c.sessions.ActiveForExam(examID)
	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, NewSessionView(s))
	}
	return views
}

// Stats returns coordinator statistics.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Connected:    c.connected.Load(),
		Disconnected: c.disconnected.Load(),
		Messages:     c.messages.Load(),
		Rejected:     c.rejected.Load(),
		Frames:       c.frames.Load(),
		Sampled:      c.sampled.Load(),
		Discarded:    c.discarded.Load(),
		Panics:       c.panics.Load(),
	}
}

func (c *Coordinator) event(typ string, data any) router.Event {
	return router.Event{Type: typ, Data: data, Timestamp: c.now().UTC()}
}

// frame is a telemetry sample on its way to the session score.
type frame struct {
	sessionID uuid.UUID
	seq       int64
	timestamp time.Time
	frameRef  string
	scores    model.CategoryScores
	tags      []string
}

// fold merges a vision result into the faceDetection category.
func (f *frame) fold(res inference.Result) {
	if res.Neutral {
		return
	}
	if s := res.Score(); s > f.scores[model.CategoryFaceDetection] {
		f.scores[model.CategoryFaceDetection] = s
	}
	f.tags = append(f.tags, res.Tags()...)
}

// processFrame scores a frame, raises any alert, fans the frame out to
// supervisors and queues it for persistence if the sampling filter picks it.
// The alert goes out before anything is handed to storage.
func (c *Coordinator) processFrame(ctx context.Context, f frame) {
	var frameScore float64
	s, err := c.sessions.ApplyScore(f.sessionID, func(current float64) float64 {
		var smoothed float64
		frameScore, smoothed = c.aggregator.Update(current, f.scores)
		return smoothed
	})
	if errors.Is(err, session.ErrClosed) {
		c.discarded.Add(1)
		c.logger.Debug("discarding frame for closed session", "session_id", f.sessionID, "sequence", f.seq)
		return
	}
	if err != nil {
		c.logger.Warn("failed to apply frame", "session_id", f.sessionID, "sequence", f.seq, "error", err)
		return
	}
	c.frames.Add(1)

	tags := f.tags
	if tags == nil {
		tags = []string{}
	}

	c.alerts.Evaluate(ctx, alert.Update{Session: s, Tags: tags})

	c.router.Broadcast(router.SupervisorsRoom(s.ExamID), c.event(router.EventLiveTelemetry, LiveTelemetryPayload{
		SubjectID:  s.SubjectID,
		SessionID:  s.ID.String(),
		FrameRef:   f.frameRef,
		Sequence:   f.seq,
		RiskScore:  s.RiskScore,
		FrameScore: frameScore,
		Level:      risk.Classify(s.RiskScore),
		AlertTags:  tags,
		Timestamp:  f.timestamp,
	}), "")

	persist, reason := c.sampler.Decide(frameScore, f.seq)
	if !persist {
		return
	}
	if c.samples != nil {
		c.samples.PersistSample(model.TelemetrySample{
			ID:        model.SampleID(s.ID, f.seq),
			SessionID: s.ID,
			Sequence:  f.seq,
			Timestamp: f.timestamp,
			Scores:    f.scores,
			AlertTags: tags,
			FrameRef:  f.frameRef,
			RiskScore: s.RiskScore,
		})
	}
	if err := c.sessions.RecordSample(s.ID); err != nil {
		c.logger.Warn("failed to count sample", "session_id", s.ID, "error", err)
	}
	c.sampled.Add(1)
	c.logger.Debug("frame sampled", "session_id", s.ID, "sequence", f.seq, "reason", reason, "frame_score", frameScore)
}

// recovered logs a panic raised while handling work for a connection.
func (c *Coordinator) recovered(connID string, v any) {
	c.panics.Add(1)
	c.logger.Error("panic in connection handler",
		"conn_id", connID,
		"panic", fmt.Sprint(v),
	)
}
