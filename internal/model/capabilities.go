package model

// Capabilities describes what a connection may do once authenticated.
// Each role has its own implementation; callers switch on behaviour, not on
// the role string.
type Capabilities interface {
	// SubmitTelemetry allows telemetry and critical-signal messages.
	SubmitTelemetry() bool

	// Monitor allows joining exam monitoring rooms and receiving alerts.
	Monitor() bool

	// Direct allows instructor messages, feed requests and ending sessions.
	Direct() bool

	// Names lists the capabilities for the session-joined reply.
	Names() []string
}

type subjectCapabilities struct{}

func (subjectCapabilities) SubmitTelemetry() bool { return true }
func (subjectCapabilities) Monitor() bool         { return false }
func (subjectCapabilities) Direct() bool          { return false }
func (subjectCapabilities) Names() []string {
	return []string{"telemetry", "critical-signal", "receive-instructor-message"}
}

type supervisorCapabilities struct{}

func (supervisorCapabilities) SubmitTelemetry() bool { return false }
func (supervisorCapabilities) Monitor() bool         { return true }
func (supervisorCapabilities) Direct() bool          { return true }
func (supervisorCapabilities) Names() []string {
	return []string{"monitor", "instructor-message", "request-feed", "end-session"}
}

type noCapabilities struct{}

func (noCapabilities) SubmitTelemetry() bool { return false }
func (noCapabilities) Monitor() bool         { return false }
func (noCapabilities) Direct() bool          { return false }
func (noCapabilities) Names() []string       { return nil }

// CapabilitiesFor returns the capability set for a role. Unknown roles get
// an empty set.
func CapabilitiesFor(r Role) Capabilities {
	switch r {
	case RoleSubject:
		return subjectCapabilities{}
	case RoleSupervisor:
		return supervisorCapabilities{}
	default:
		return noCapabilities{}
	}
}
