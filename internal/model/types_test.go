package model

import (
	"testing"

	"github.com/google/uuid"
)

func TestRoleValid(t *testing.T) {
	tests := []struct {
		role Role
		want bool
	}{
		{RoleSubject, true},
		{RoleSupervisor, true},
		{Role(""), false},
		{Role("admin"), false},
	}

	for _, tt := range tests {
		if got := tt.role.Valid(); got != tt.want {
			t.Errorf("Role(%q).Valid() = %v, want %v", tt.role, got, tt.want)
		}
	}
}

func TestSessionStatusOpen(t *testing.T) {
	tests := []struct {
		status SessionStatus
		want   bool
	}{
		{StatusActive, true},
		{StatusDisconnected, true},
		{StatusSuspended, false},
		{StatusCompleted, false},
	}

	for _, tt := range tests {
		if got := tt.status.Open(); got != tt.want {
			t.Errorf("%s.Open() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestSampleID(t *testing.T) {
	sessionID := uuid.New()

	t.Run("stable for same frame", func(t *testing.T) {
		a := SampleID(sessionID, 42)
		b := SampleID(sessionID, 42)
		if a != b {
			t.Errorf("SampleID not stable: %v != %v", a, b)
		}
	})

	t.Run("differs by sequence", func(t *testing.T) {
		if SampleID(sessionID, 1) == SampleID(sessionID, 2) {
			t.Error("SampleID collided for different sequences")
		}
	})

	t.Run("differs by session", func(t *testing.T) {
		if SampleID(sessionID, 1) == SampleID(uuid.New(), 1) {
			t.Error("SampleID collided for different sessions")
		}
	})
}

func TestSeverityRank(t *testing.T) {
	order := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s.Rank() = %d, want > %s.Rank() = %d",
				order[i], order[i].Rank(), order[i-1], order[i-1].Rank())
		}
	}
	if Severity("bogus").Rank() != 0 {
		t.Errorf("unknown severity rank = %d, want 0", Severity("bogus").Rank())
	}
}

func TestCapabilitiesFor(t *testing.T) {
	t.Run("subject", func(t *testing.T) {
		c := CapabilitiesFor(RoleSubject)
		if !c.SubmitTelemetry() || c.Monitor() || c.Direct() {
			t.Errorf("subject capabilities wrong: telemetry=%v monitor=%v direct=%v",
				c.SubmitTelemetry(), c.Monitor(), c.Direct())
		}
		if len(c.Names()) == 0 {
			t.Error("subject capabilities should list names")
		}
	})

	t.Run("supervisor", func(t *testing.T) {
		c := CapabilitiesFor(RoleSupervisor)
		if c.SubmitTelemetry() || !c.Monitor() || !c.Direct() {
			t.Errorf("supervisor capabilities wrong: telemetry=%v monitor=%v direct=%v",
				c.SubmitTelemetry(), c.Monitor(), c.Direct())
		}
	})

	t.Run("unknown", func(t *testing.T) {
		c := CapabilitiesFor(Role("guest"))
		if c.SubmitTelemetry() || c.Monitor() || c.Direct() || c.Names() != nil {
			t.Error("unknown role should have no capabilities")
		}
	})
}
