package model

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Identity
// -----------------------------------------------------------------------------

// Role identifies which side of a proctoring session a connection is on.
type Role string

const (
	RoleSubject    Role = "subject"
	RoleSupervisor Role = "supervisor"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleSubject || r == RoleSupervisor
}

// Identity is a verified principal.
type Identity struct {
	ID   string
	Role Role
}

// -----------------------------------------------------------------------------
// Sessions
// -----------------------------------------------------------------------------

// SessionStatus is the lifecycle state of a proctoring session.
type SessionStatus string

const (
	StatusActive       SessionStatus = "active"
	StatusDisconnected SessionStatus = "disconnected"
	StatusSuspended    SessionStatus = "suspended"
	StatusCompleted    SessionStatus = "completed"
)

// Open reports whether a session in this status still occupies the
// (subject, exam) slot.
func (s SessionStatus) Open() bool {
	return s == StatusActive || s == StatusDisconnected
}

// Session is the audit record of one subject sitting one exam.
// Only Status, EndTime, RiskScore, the counters and LastActivityAt change
// after creation.
type Session struct {
	ID               uuid.UUID
	SubjectID        string
	ExamID           string
	StartTime        time.Time
	EndTime          *time.Time
	Status           SessionStatus
	EndReason        string
	RiskScore        float64 // Smoothed, 0-100
	FrameSampleCount int64   // Samples selected for persistence
	AlertCount       int64
	LastActivityAt   time.Time
}

// -----------------------------------------------------------------------------
// Telemetry
// -----------------------------------------------------------------------------

// Category names a telemetry risk dimension.
type Category string

const (
	CategoryFaceDetection   Category = "faceDetection"
	CategoryEyeMovement     Category = "eyeMovement"
	CategoryAudioAnalysis   Category = "audioAnalysis"
	CategoryBrowserActivity Category = "browserActivity"
)

// CategoryScores maps a category to its score in [0, 1].
type CategoryScores map[Category]float64

// TelemetrySample is one analysed frame submitted by a subject.
type TelemetrySample struct {
	ID        uuid.UUID // Derived from SessionID and Sequence, see SampleID
	SessionID uuid.UUID
	Sequence  int64
	Timestamp time.Time
	Scores    CategoryScores
	AlertTags []string
	FrameRef  string  // Opaque payload reference
	RiskScore float64 // Smoothed session score after this frame
}

// sampleNamespace scopes derived sample IDs.
var sampleNamespace = uuid.MustParse("6f1c4a52-33a4-4b8e-9d0e-6a2f4e7c1b90")

// SampleID derives a stable sample ID so that a resubmitted frame maps to
// the same durable row.
func SampleID(sessionID uuid.UUID, sequence int64) uuid.UUID {
	return uuid.NewSHA1(sampleNamespace, []byte(sessionID.String()+"/"+strconv.FormatInt(sequence, 10)))
}

// -----------------------------------------------------------------------------
// Alerts
// -----------------------------------------------------------------------------

// Severity grades an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown severities rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Alert is an immutable record raised by the alert engine.
type Alert struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	SubjectID string
	ExamID    string
	Severity  Severity
	Category  string // "risk_threshold" or the violation type of a critical signal
	RiskScore float64
	Message   string
	Tags      []string
	Timestamp time.Time
}
