package router

import (
	"strings"
	"time"
)

// Room scopes.
const (
	ScopeSupervisors = "supervisors"
	ScopeSubjects    = "subjects"
	ScopeSession     = "session"
)

// Key identifies a room: an exam plus a scope, or a single session.
type Key struct {
	ExamID string
	Scope  string
	ID     string // Session ID when Scope == ScopeSession
}

// SupervisorsRoom is the room of everyone monitoring an exam.
func SupervisorsRoom(examID string) Key {
	return Key{ExamID: examID, Scope: ScopeSupervisors}
}

// SubjectsRoom is the room of every subject sitting an exam.
func SubjectsRoom(examID string) Key {
	return Key{ExamID: examID, Scope: ScopeSubjects}
}

// SessionRoom is the room of the connections attached to one session.
func SessionRoom(examID, sessionID string) Key {
	return Key{ExamID: examID, Scope: ScopeSession, ID: sessionID}
}

// Valid reports whether the key names a room.
func (k Key) Valid() bool {
	if strings.TrimSpace(k.ExamID) == "" {
		return false
	}
	switch k.Scope {
	case ScopeSupervisors, ScopeSubjects:
		return k.ID == ""
	case ScopeSession:
		return k.ID != ""
	default:
		return false
	}
}

// String renders the key as exam/scope[/id].
func (k Key) String() string {
	if k.ID != "" {
		return k.ExamID + "/" + k.Scope + "/" + k.ID
	}
	return k.ExamID + "/" + k.Scope
}

// Event is the outbound envelope written to every recipient.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Outbound event types.
const (
	EventAuthenticated         = "authenticated"
	EventAuthError             = "auth-error"
	EventError                 = "error"
	EventSessionJoined         = "session-joined"
	EventCurrentActiveSessions = "current-active-sessions"
	EventAcknowledged          = "acknowledged"
	EventStudentJoined         = "student-joined"
	EventLiveTelemetry         = "live-telemetry"
	EventHighRiskAlert         = "high-risk-alert"
	EventStudentDisconnected   = "student-disconnected"
	EventSessionEnded          = "session-ended"
	EventInstructorMessage     = "instructor-message"
	EventFeedRequested         = "feed-requested"
)
