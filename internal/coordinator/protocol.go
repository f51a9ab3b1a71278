package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rickgao/proctorhub/internal/model"
	"github.com/rickgao/proctorhub/internal/risk"
)

// Inbound message types.
const (
	MsgAuthenticate       = "authenticate"
	MsgJoinSession        = "join-session"
	MsgJoinExamMonitoring = "join-exam-monitoring"
	MsgTelemetry          = "telemetry"
	MsgCriticalSignal     = "critical-signal"
	MsgInstructorMessage  = "instructor-message"
	MsgRequestFeed        = "request-feed"
	MsgEndSession         = "end-session"
	MsgHeartbeat          = "heartbeat"
)

// Error codes carried by error events.
const (
	CodeValidation = "validation"
	CodeNotFound   = "not_found"
	CodeForbidden  = "forbidden"
	CodeSuspended  = "suspended"
	CodeClosed     = "session_closed"
	CodeInternal   = "internal"
)

// ErrForbidden is returned when a connection lacks the capability for a
// message or targets a session outside its exam.
var ErrForbidden = errors.New("not permitted")

// ValidationError rejects a malformed payload. The connection is unaffected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// decodeData unmarshals the data object of an envelope. A missing data
// object decodes as empty.
func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalid("data", err.Error())
	}
	return nil
}

// AuthenticateRequest is the authenticate payload.
type AuthenticateRequest struct {
	Token string     `json:"token"`
	ID    string     `json:"id"`
	Role  model.Role `json:"role"`
}

func (r AuthenticateRequest) validate() error {
	if strings.TrimSpace(r.Token) == "" {
		return invalid("token", "required")
	}
	if strings.TrimSpace(r.ID) == "" {
		return invalid("id", "required")
	}
	if r.Role != "" && !r.Role.Valid() {
		return invalid("role", fmt.Sprintf("unknown role %q", r.Role))
	}
	return nil
}

// JoinSessionRequest is sent by a subject to start or resume a session.
type JoinSessionRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	ExamID    string `json:"examId"`
}

// JoinExamMonitoringRequest is sent by a supervisor to watch an exam.
type JoinExamMonitoringRequest struct {
	ExamID string `json:"examId"`
}

// TelemetryRequest is one analysed frame.
type TelemetryRequest struct {
	SessionID      string             `json:"sessionId,omitempty"`
	FrameRef       string             `json:"frameRef"`
	Scores         map[string]float64 `json:"perCategoryScores"`
	AlertTags      []string           `json:"alertTags"`
	Timestamp      time.Time          `json:"timestamp"`
	SequenceNumber *int64             `json:"sequenceNumber"`
	Image          string             `json:"image,omitempty"` // Base64; sent to the vision collaborator
}

func (r TelemetryRequest) validate() error {
	for name, v := range r.Scores {
		if strings.TrimSpace(name) == "" {
			return invalid("perCategoryScores", "empty category name")
		}
		if math.IsNaN(v) || v < 0 || v > 1 {
			return invalid("perCategoryScores."+name, fmt.Sprintf("score %v outside [0, 1]", v))
		}
	}
	if r.SequenceNumber != nil && *r.SequenceNumber < 0 {
		return invalid("sequenceNumber", "must be >= 0")
	}
	return nil
}

func (r TelemetryRequest) categoryScores() model.CategoryScores {
	out := make(model.CategoryScores, len(r.Scores))
	for name, v := range r.Scores {
		out[model.Category(name)] = v
	}
	return out
}

// CriticalSignalRequest reports a violation that bypasses smoothing.
type CriticalSignalRequest struct {
	ViolationType string    `json:"violationType"`
	RiskScore     float64   `json:"riskScore"`
	Timestamp     time.Time `json:"timestamp"`
	AlertTags     []string  `json:"alertTags,omitempty"`
}

func (r CriticalSignalRequest) validate() error {
	if strings.TrimSpace(r.ViolationType) == "" {
		return invalid("violationType", "required")
	}
	if math.IsNaN(r.RiskScore) || math.IsInf(r.RiskScore, 0) {
		return invalid("riskScore", "must be a finite number")
	}
	return nil
}

// InstructorMessageRequest is sent by a supervisor to one session.
type InstructorMessageRequest struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// RequestFeedRequest asks a subject to start streaming its camera feed.
type RequestFeedRequest struct {
	SessionID string `json:"sessionId"`
}

// EndSessionRequest closes a session from the supervisor side.
type EndSessionRequest struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
	Suspend   bool   `json:"suspend,omitempty"`
}

// -----------------------------------------------------------------------------
// Outbound payloads
// -----------------------------------------------------------------------------

// AuthenticatedPayload confirms a successful authenticate.
type AuthenticatedPayload struct {
	ID           string     `json:"id"`
	Role         model.Role `json:"role"`
	Capabilities []string   `json:"capabilities"`
}

// MessagePayload carries a human-readable reason.
type MessagePayload struct {
	Message string `json:"message"`
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Request string `json:"request,omitempty"` // Inbound type that failed
}

// SessionJoinedPayload answers join-session.
type SessionJoinedPayload struct {
	SessionID    string              `json:"sessionId"`
	ExamID       string              `json:"examId"`
	Status       model.SessionStatus `json:"status"`
	Resumed      bool                `json:"resumed"`
	RiskScore    float64             `json:"riskScore"`
	Capabilities []string            `json:"capabilities"`
}

// SessionView summarises a session for supervisors and the HTTP API.
type SessionView struct {
	SessionID        string              `json:"sessionId"`
	SubjectID        string              `json:"subjectId"`
	ExamID           string              `json:"examId"`
	Status           model.SessionStatus `json:"status"`
	StartTime        time.Time           `json:"startTime"`
	EndTime          *time.Time          `json:"endTime,omitempty"`
	EndReason        string              `json:"endReason,omitempty"`
	RiskScore        float64             `json:"riskScore"`
	Level            risk.Level          `json:"level"`
	FrameSampleCount int64               `json:"frameSampleCount"`
	AlertCount       int64               `json:"alertCount"`
	LastActivityAt   time.Time           `json:"lastActivityAt"`
}

// NewSessionView renders a session.
func NewSessionView(s model.Session) SessionView {
	return SessionView{
		SessionID:        s.ID.String(),
		SubjectID:        s.SubjectID,
		ExamID:           s.ExamID,
		Status:           s.Status,
		StartTime:        s.StartTime,
		EndTime:          s.EndTime,
		EndReason:        s.EndReason,
		RiskScore:        s.RiskScore,
		Level:            risk.Classify(s.RiskScore),
		FrameSampleCount: s.FrameSampleCount,
		AlertCount:       s.AlertCount,
		LastActivityAt:   s.LastActivityAt,
	}
}

// ActiveSessionsPayload answers join-exam-monitoring.
type ActiveSessionsPayload struct {
	ExamID   string        `json:"examId"`
	Sessions []SessionView `json:"sessions"`
}

// AckPayload acknowledges an inbound message. Fields are set per request type.
type AckPayload struct {
	AlertID   string `json:"alertId,omitempty"`
	Sequence  *int64 `json:"sequence,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Delivered *int   `json:"delivered,omitempty"`
}

// StudentJoinedPayload tells supervisors a subject joined.
type StudentJoinedPayload struct {
	SubjectID string `json:"subjectId"`
	SessionID string `json:"sessionId"`
	Resumed   bool   `json:"resumed"`
}

// StudentDisconnectedPayload tells supervisors a subject went away.
type StudentDisconnectedPayload struct {
	SubjectID string `json:"subjectId"`
	SessionID string `json:"sessionId,omitempty"`
	Reason    string `json:"reason"`
}

// LiveTelemetryPayload is fanned out to supervisors for every frame.
type LiveTelemetryPayload struct {
	SubjectID  string     `json:"subjectId"`
	SessionID  string     `json:"sessionId"`
	FrameRef   string     `json:"frameRef"`
	Sequence   int64      `json:"sequence"`
	RiskScore  float64    `json:"riskScore"`
	FrameScore float64    `json:"frameScore"`
	Level      risk.Level `json:"level"`
	AlertTags  []string   `json:"alertTags"`
	Timestamp  time.Time  `json:"timestamp"`
}

// InstructorMessagePayload is delivered to a subject.
type InstructorMessagePayload struct {
	Text      string    `json:"text"`
	From      string    `json:"from"`
	Timestamp time.Time `json:"timestamp"`
}

// FeedRequestedPayload is delivered to a subject.
type FeedRequestedPayload struct {
	RequestID string `json:"requestId"`
	From      string `json:"from"`
}

// SessionEndedPayload tells both sides a session closed.
type SessionEndedPayload struct {
	SessionID string              `json:"sessionId"`
	SubjectID string              `json:"subjectId"`
	Status    model.SessionStatus `json:"status"`
	Reason    string              `json:"reason"`
	Report    risk.Report         `json:"report"`
}
