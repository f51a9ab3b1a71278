package coordinator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/proctorhub/internal/alert"
	"github.com/rickgao/proctorhub/internal/connection"
	"github.com/rickgao/proctorhub/internal/inference"
	"github.com/rickgao/proctorhub/internal/model"
	"github.com/rickgao/proctorhub/internal/registry"
	"github.com/rickgao/proctorhub/internal/router"
	"github.com/rickgao/proctorhub/internal/session"
)

// Handler processes the inbound traffic of one connection.
type Handler struct {
	c   *Coordinator
	id  string
	ctx context.Context

	telemetry atomic.Int64 // Frames received, for ack throttling
	lastSeq   atomic.Int64 // Assigned to frames without a sequence number
}

var _ connection.Handler = (*Handler)(nil)

// ID returns the registry ID of the connection.
func (h *Handler) ID() string {
	return h.id
}

// HandlePong records activity on a pong frame.
func (h *Handler) HandlePong() {
	h.c.registry.Touch(h.id)
}

// HandleMessage decodes and dispatches one inbound message. Failures are
// answered on the same connection and never close it.
func (h *Handler) HandleMessage(msg connection.TimestampedMessage) {
	c := h.c
	c.messages.Add(1)

	var env inbound
	defer func() {
		if v := recover(); v != nil {
			c.recovered(h.id, v)
			h.send(router.EventError, ErrorPayload{Code: CodeInternal, Message: "internal error", Request: env.Type})
		}
	}()

	c.registry.Touch(h.id)

	if err := json.Unmarshal(msg.Data, &env); err != nil || env.Type == "" {
		h.fail("", invalid("", "malformed message envelope"))
		return
	}

	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = c.now()
	}
	if err := h.dispatch(env, receivedAt); err != nil {
		h.fail(env.Type, err)
	}
}

func (h *Handler) dispatch(env inbound, receivedAt time.Time) error {
	if env.Type == MsgAuthenticate {
		return h.authenticate(env.Data)
	}

	conn, ok := h.c.registry.Get(h.id)
	if !ok {
		return registry.ErrUnknownConnection
	}
	if !conn.Authenticated {
		return registry.ErrNotAuthenticated
	}
	caps := conn.Capabilities()

	switch env.Type {
	case MsgHeartbeat:
		h.send(router.EventAcknowledged, AckPayload{})
		return nil
	case MsgJoinSession:
		if !caps.SubmitTelemetry() {
			return ErrForbidden
		}
		return h.joinSession(conn, env.Data)
	case MsgTelemetry:
		if !caps.SubmitTelemetry() {
			return ErrForbidden
		}
		return h.submitTelemetry(conn, env.Data, receivedAt)
	case MsgCriticalSignal:
		if !caps.SubmitTelemetry() {
			return ErrForbidden
		}
		return h.criticalSignal(conn, env.Data, receivedAt)
	case MsgJoinExamMonitoring:
		if !caps.Monitor() {
			return ErrForbidden
		}
		return h.joinExamMonitoring(conn, env.Data)
	case MsgInstructorMessage:
		if !caps.Direct() {
			return ErrForbidden
		}
		return h.instructorMessage(conn, env.Data)
	case MsgRequestFeed:
		if !caps.Direct() {
			return ErrForbidden
		}
		return h.requestFeed(conn, env.Data)
	case MsgEndSession:
		if !caps.Direct() {
			return ErrForbidden
		}
		return h.endSession(conn, env.Data)
	default:
		return invalid("type", fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (h *Handler) authenticate(data json.RawMessage) error {
	var req AuthenticateRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}

	identity, err := h.c.registry.Authenticate(h.id, registry.Credentials{
		Token: req.Token,
		ID:    req.ID,
		Role:  req.Role,
	})
	if err != nil {
		return err
	}

	h.send(router.EventAuthenticated, AuthenticatedPayload{
		ID:           identity.ID,
		Role:         identity.Role,
		Capabilities: model.CapabilitiesFor(identity.Role).Names(),
	})
	return nil
}

func (h *Handler) joinSession(conn registry.Connection, data json.RawMessage) error {
	c := h.c

	var req JoinSessionRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	examID := strings.TrimSpace(req.ExamID)
	if examID == "" {
		return invalid("examId", "required")
	}
	if req.SessionID != "" {
		sid, err := uuid.Parse(req.SessionID)
		if err != nil {
			return invalid("sessionId", "not a valid session id")
		}
		prev, err := c.sessions.Get(sid)
		if err != nil {
			return err
		}
		if prev.SubjectID != conn.Identity || prev.ExamID != examID {
			return ErrForbidden
		}
	}

	s, outcome, err := c.sessions.ResolveOrCreate(h.ctx, conn.Identity, examID)
	if err != nil {
		return err
	}
	sid := s.ID.String()

	c.router.LeaveAll(h.id)
	if conn.SessionID != "" && conn.SessionID != sid {
		c.release(conn, ReasonRejoined)
	}
	if err := c.registry.Bind(h.id, registry.SessionContext{ExamID: examID, SessionID: sid}); err != nil {
		return err
	}
	if err := c.router.Join(h.id, router.SubjectsRoom(examID)); err != nil {
		return err
	}
	if err := c.router.Join(h.id, router.SessionRoom(examID, sid)); err != nil {
		return err
	}
	h.lastSeq.Store(0)

	resumed := outcome == session.OutcomeResumed
	h.send(router.EventSessionJoined, SessionJoinedPayload{
		SessionID:    sid,
		ExamID:       examID,
		Status:       s.Status,
		Resumed:      resumed,
		RiskScore:    s.RiskScore,
		Capabilities: conn.Capabilities().Names(),
	})
	c.router.Broadcast(router.SupervisorsRoom(examID), c.event(router.EventStudentJoined, StudentJoinedPayload{
		SubjectID: conn.Identity,
		SessionID: sid,
		Resumed:   resumed,
	}), "")

	c.logger.Info("subject joined session",
		"conn_id", h.id,
		"subject_id", conn.Identity,
		"exam_id", examID,
		"session_id", sid,
		"outcome", outcome,
	)
	return nil
}

func (h *Handler) joinExamMonitoring(conn registry.Connection, data json.RawMessage) error {
	c := h.c

	var req JoinExamMonitoringRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	examID := strings.TrimSpace(req.ExamID)
	if examID == "" {
		return invalid("examId", "required")
	}

	c.router.LeaveAll(h.id)
	if err := c.registry.Bind(h.id, registry.SessionContext{ExamID: examID}); err != nil {
		return err
	}
	if err := c.router.Join(h.id, router.SupervisorsRoom(examID)); err != nil {
		return err
	}

	views := c.ActiveSessions(examID)
	h.send(router.EventCurrentActiveSessions, ActiveSessionsPayload{ExamID: examID, Sessions: views})

	c.logger.Info("supervisor monitoring exam",
		"conn_id", h.id,
		"supervisor_id", conn.Identity,
		"exam_id", examID,
		"active_sessions", len(views),
	)
	return nil
}

// boundSession returns the session the connection joined, checking it
// against an optional session id from the payload.
func (h *Handler) boundSession(conn registry.Connection, claimed string) (uuid.UUID, error) {
	if conn.SessionID == "" {
		return uuid.Nil, invalid("sessionId", "join a session first")
	}
	if claimed != "" && claimed != conn.SessionID {
		return uuid.Nil, ErrForbidden
	}
	sid, err := uuid.Parse(conn.SessionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("bound session id %q: %w", conn.SessionID, err)
	}
	return sid, nil
}

func (h *Handler) submitTelemetry(conn registry.Connection, data json.RawMessage, receivedAt time.Time) error {
	c := h.c

	var req TelemetryRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	sid, err := h.boundSession(conn, req.SessionID)
	if err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}

	var seq int64
	if req.SequenceNumber != nil {
		seq = *req.SequenceNumber
		h.lastSeq.Store(seq)
	} else {
		seq = h.lastSeq.Add(1)
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = receivedAt
	}

	f := frame{
		sessionID: sid,
		seq:       seq,
		timestamp: ts.UTC(),
		frameRef:  req.FrameRef,
		scores:    req.categoryScores(),
		tags:      req.AlertTags,
	}

	if req.Image != "" && c.inference != nil {
		image, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			return invalid("image", "not valid base64")
		}
		c.inference.Submit(image, func(res inference.Result, err error) {
			defer func() {
				if v := recover(); v != nil {
					c.recovered(h.id, v)
				}
			}()
			f.fold(res)
			c.processFrame(h.ctx, f)
		})
	} else {
		c.processFrame(h.ctx, f)
	}

	if n := h.telemetry.Add(1); n%int64(c.cfg.AckEvery) == 0 {
		h.send(router.EventAcknowledged, AckPayload{Sequence: &seq})
	}
	return nil
}

func (h *Handler) criticalSignal(conn registry.Connection, data json.RawMessage, receivedAt time.Time) error {
	var req CriticalSignalRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}
	sid, err := h.boundSession(conn, "")
	if err != nil {
		return err
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = receivedAt
	}

	a, _, err := h.c.alerts.Force(h.ctx, alert.Signal{
		SessionID:     sid,
		ViolationType: req.ViolationType,
		RiskScore:     req.RiskScore,
		Timestamp:     ts,
		Tags:          req.AlertTags,
	})
	if err != nil {
		return err
	}

	h.send(router.EventAcknowledged, AckPayload{AlertID: a.ID.String()})
	return nil
}

// directedSession resolves the session a supervisor command targets. The
// supervisor must be monitoring the session's exam.
func (h *Handler) directedSession(conn registry.Connection, rawID string) (model.Session, error) {
	sid, err := uuid.Parse(strings.TrimSpace(rawID))
	if err != nil {
		return model.Session{}, invalid("sessionId", "not a valid session id")
	}
	s, err := h.c.sessions.Get(sid)
	if err != nil {
		return model.Session{}, err
	}
	if s.ExamID != conn.ExamID {
		return model.Session{}, ErrForbidden
	}
	return s, nil
}

func (h *Handler) instructorMessage(conn registry.Connection, data json.RawMessage) error {
	c := h.c

	var req InstructorMessageRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Text) == "" {
		return invalid("text", "required")
	}
	s, err := h.directedSession(conn, req.SessionID)
	if err != nil {
		return err
	}

	n := c.router.Broadcast(router.SessionRoom(s.ExamID, s.ID.String()), c.event(router.EventInstructorMessage, InstructorMessagePayload{
		Text:      req.Text,
		From:      conn.Identity,
		Timestamp: c.now().UTC(),
	}), "")

	h.send(router.EventAcknowledged, AckPayload{Delivered: &n})
	return nil
}

func (h *Handler) requestFeed(conn registry.Connection, data json.RawMessage) error {
	c := h.c

	var req RequestFeedRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	s, err := h.directedSession(conn, req.SessionID)
	if err != nil {
		return err
	}

	requestID := uuid.NewString()
	n := c.router.Broadcast(router.SessionRoom(s.ExamID, s.ID.String()), c.event(router.EventFeedRequested, FeedRequestedPayload{
		RequestID: requestID,
		From:      conn.Identity,
	}), "")

	h.send(router.EventAcknowledged, AckPayload{RequestID: requestID, Delivered: &n})
	return nil
}

func (h *Handler) endSession(conn registry.Connection, data json.RawMessage) error {
	var req EndSessionRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	s, err := h.directedSession(conn, req.SessionID)
	if err != nil {
		return err
	}

	if _, err := h.c.EndSession(h.ctx, s.ID, req.Reason, req.Suspend); err != nil {
		return err
	}
	h.send(router.EventAcknowledged, AckPayload{})
	return nil
}

func (h *Handler) send(typ string, data any) {
	if err := h.c.router.DeliverTo(h.id, h.c.event(typ, data)); err != nil {
		h.c.logger.Debug("reply not delivered", "conn_id", h.id, "type", typ, "error", err)
	}
}

// fail answers a rejected message. Authentication problems, including a
// malformed authenticate payload, produce auth-error; everything else an
// error event with a code.
func (h *Handler) fail(request string, err error) {
	c := h.c
	c.rejected.Add(1)

	var verr *ValidationError
	if request == MsgAuthenticate || registry.IsAuthError(err) {
		h.send(router.EventAuthError, MessagePayload{Message: err.Error()})
		c.logger.Debug("authentication rejected", "conn_id", h.id, "request", request, "error", err)
		return
	}

	code := CodeInternal
	msg := err.Error()
	switch {
	case errors.As(err, &verr):
		code = CodeValidation
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, registry.ErrUnknownConnection),
		errors.Is(err, router.ErrUnknownConnection):
		code = CodeNotFound
	case errors.Is(err, ErrForbidden):
		code = CodeForbidden
	case errors.Is(err, session.ErrSuspended):
		code = CodeSuspended
	case errors.Is(err, session.ErrClosed):
		code = CodeClosed
	case errors.Is(err, session.ErrInvalidKey):
		code = CodeValidation
	default:
		c.logger.Error("request failed", "conn_id", h.id, "request", request, "error", err)
		msg = "internal error"
	}

	h.send(router.EventError, ErrorPayload{Code: code, Message: msg, Request: request})
}
