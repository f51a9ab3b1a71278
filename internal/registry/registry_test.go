package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/proctorhub/internal/model"
)

// fakeVerifier accepts tokens of the form "valid:<id>:<role>" and
// "expired:<id>".
type fakeVerifier struct{}

func (fakeVerifier) Verify(token string) (model.Identity, error) {
	var kind, id, role string
	for i, part := range strings.SplitN(token, ":", 3) {
		switch i {
		case 0:
			kind = part
		case 1:
			id = part
		case 2:
			role = part
		}
	}
	switch kind {
	case "valid":
		return model.Identity{ID: id, Role: model.Role(role)}, nil
	case "expired":
		return model.Identity{}, fmt.Errorf("%w: exp in the past", ErrTokenExpired)
	default:
		return model.Identity{}, errors.New("signature is invalid")
	}
}

type nopSink struct{}

func (nopSink) Deliver([]byte) bool { return true }
func (nopSink) Close() error        { return nil }

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRegisterAndGet(t *testing.T) {
	r := New(fakeVerifier{})

	id := r.Register(nopSink{}, "10.0.0.1:5000")
	if id == "" {
		t.Fatal("Register returned empty id")
	}

	c, ok := r.Get(id)
	if !ok {
		t.Fatal("Get returned false for registered connection")
	}
	if c.Authenticated {
		t.Error("new connection should not be authenticated")
	}
	if c.RemoteAddr != "10.0.0.1:5000" {
		t.Errorf("RemoteAddr = %q, want %q", c.RemoteAddr, "10.0.0.1:5000")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	if _, ok := r.Lookup(id); !ok {
		t.Error("Lookup should find the sink")
	}
}

func TestAuthenticate(t *testing.T) {
	tests := []struct {
		name    string
		creds   Credentials
		wantErr error
		want    model.Identity
	}{
		{
			name:  "valid subject",
			creds: Credentials{Token: "valid:stu-1:subject", ID: "stu-1", Role: model.RoleSubject},
			want:  model.Identity{ID: "stu-1", Role: model.RoleSubject},
		},
		{
			name:  "role taken from claim when token has none",
			creds: Credentials{Token: "valid:sup-1:", ID: "sup-1", Role: model.RoleSupervisor},
			want:  model.Identity{ID: "sup-1", Role: model.RoleSupervisor},
		},
		{
			name:    "bad signature",
			creds:   Credentials{Token: "forged", ID: "stu-1", Role: model.RoleSubject},
			wantErr: ErrInvalidCredentials,
		},
		{
			name:    "expired",
			creds:   Credentials{Token: "expired:stu-1", ID: "stu-1", Role: model.RoleSubject},
			wantErr: ErrExpiredToken,
		},
		{
			name:    "claimed id differs from token subject",
			creds:   Credentials{Token: "valid:stu-2:subject", ID: "stu-1", Role: model.RoleSubject},
			wantErr: ErrIdentityMismatch,
		},
		{
			name:    "claimed role differs from token role",
			creds:   Credentials{Token: "valid:stu-1:subject", ID: "stu-1", Role: model.RoleSupervisor},
			wantErr: ErrIdentityMismatch,
		},
		{
			name:    "missing token",
			creds:   Credentials{ID: "stu-1"},
			wantErr: ErrInvalidCredentials,
		},
		{
			name:    "no role anywhere",
			creds:   Credentials{Token: "valid:stu-1:", ID: "stu-1"},
			wantErr: ErrInvalidCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(fakeVerifier{})
			id := r.Register(nopSink{}, "")

			got, err := r.Authenticate(id, tt.creds)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Authenticate() error = %v, want %v", err, tt.wantErr)
				}
				if !IsAuthError(err) {
					t.Errorf("IsAuthError(%v) = false", err)
				}
				c, ok := r.Get(id)
				if !ok {
					t.Fatal("connection must stay registered after auth failure")
				}
				if c.Authenticated {
					t.Error("connection must stay unauthenticated after auth failure")
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Authenticate() = %+v, want %+v", got, tt.want)
			}
			c, _ := r.Get(id)
			if !c.Authenticated || c.Identity != tt.want.ID || c.Role != tt.want.Role {
				t.Errorf("entry not updated: %+v", c)
			}
		})
	}
}

func TestAuthenticate_RetryAfterFailure(t *testing.T) {
	r := New(fakeVerifier{})
	id := r.Register(nopSink{}, "")

	if _, err := r.Authenticate(id, Credentials{Token: "expired:stu-1", ID: "stu-1"}); err == nil {
		t.Fatal("expected first attempt to fail")
	}
	if _, err := r.Authenticate(id, Credentials{Token: "valid:stu-1:subject", ID: "stu-1"}); err != nil {
		t.Fatalf("re-authentication failed: %v", err)
	}
	c, _ := r.Get(id)
	if !c.Authenticated {
		t.Error("connection should be authenticated after retry")
	}
}

func TestAuthenticate_BoundConnectionKeepsIdentity(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		claimed string
		wantErr error
	}{
		{"same identity refreshes token", "valid:stu-1:subject", "stu-1", nil},
		{"other subject rejected", "valid:stu-2:subject", "stu-2", ErrIdentityMismatch},
		{"supervisor rejected", "valid:stu-1:supervisor", "stu-1", ErrIdentityMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(fakeVerifier{})
			id := r.Register(nopSink{}, "")
			if _, err := r.Authenticate(id, Credentials{Token: "valid:stu-1:subject", ID: "stu-1"}); err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if err := r.Bind(id, SessionContext{ExamID: "exam-1", SessionID: "sess-1"}); err != nil {
				t.Fatalf("Bind() error = %v", err)
			}

			_, err := r.Authenticate(id, Credentials{Token: tt.token, ID: tt.claimed})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("re-authentication error = %v, want %v", err, tt.wantErr)
			}

			c, _ := r.Get(id)
			if c.Identity != "stu-1" || c.Role != model.RoleSubject || c.SessionID != "sess-1" {
				t.Errorf("entry = %+v, want stu-1/subject bound to sess-1", c)
			}
			wantFailures := int64(0)
			if tt.wantErr != nil {
				wantFailures = 1
			}
			if got := r.Stats().AuthFailures; got != wantFailures {
				t.Errorf("AuthFailures = %d, want %d", got, wantFailures)
			}
		})
	}
}

func TestAuthenticate_UnboundConnectionMaySwitchIdentity(t *testing.T) {
	r := New(fakeVerifier{})
	id := r.Register(nopSink{}, "")

	r.Authenticate(id, Credentials{Token: "valid:stu-1:subject", ID: "stu-1"})
	if _, err := r.Authenticate(id, Credentials{Token: "valid:proctor-1:supervisor", ID: "proctor-1"}); err != nil {
		t.Fatalf("re-authentication before bind error = %v", err)
	}
	c, _ := r.Get(id)
	if c.Identity != "proctor-1" || c.Role != model.RoleSupervisor {
		t.Errorf("entry = %+v, want proctor-1/supervisor", c)
	}
}

func TestAuthenticate_UnknownConnection(t *testing.T) {
	r := New(fakeVerifier{})
	_, err := r.Authenticate("nope", Credentials{Token: "valid:a:subject", ID: "a"})
	if !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("error = %v, want ErrUnknownConnection", err)
	}
}

func TestBind(t *testing.T) {
	r := New(fakeVerifier{})
	id := r.Register(nopSink{}, "")

	if err := r.Bind(id, SessionContext{ExamID: "exam-1"}); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Bind before auth error = %v, want ErrNotAuthenticated", err)
	}

	r.Authenticate(id, Credentials{Token: "valid:stu-1:subject", ID: "stu-1"})
	if err := r.Bind(id, SessionContext{ExamID: "exam-1", SessionID: "sess-1"}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	c, _ := r.Get(id)
	if c.ExamID != "exam-1" || c.SessionID != "sess-1" {
		t.Errorf("bound context = (%q, %q), want (exam-1, sess-1)", c.ExamID, c.SessionID)
	}
	if !c.Capabilities().SubmitTelemetry() {
		t.Error("authenticated subject should be able to submit telemetry")
	}

	if err := r.Bind("missing", SessionContext{}); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("Bind unknown error = %v, want ErrUnknownConnection", err)
	}
}

func TestTouchAndUnregister(t *testing.T) {
	clock := newFakeClock()
	r := New(fakeVerifier{}, WithClock(clock.Now))
	id := r.Register(nopSink{}, "")

	clock.Advance(time.Minute)
	if !r.Touch(id) {
		t.Fatal("Touch returned false for live connection")
	}
	c, _ := r.Get(id)
	if !c.LastActivityAt.Equal(clock.Now()) {
		t.Errorf("LastActivityAt = %v, want %v", c.LastActivityAt, clock.Now())
	}

	if _, ok := r.Unregister(id); !ok {
		t.Fatal("first Unregister returned false")
	}
	if _, ok := r.Unregister(id); ok {
		t.Error("second Unregister should return false")
	}
	if r.Touch(id) {
		t.Error("Touch on unregistered connection should return false")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestEvictIfStale(t *testing.T) {
	clock := newFakeClock()
	r := New(fakeVerifier{}, WithClock(clock.Now))

	idle := r.Register(nopSink{}, "")
	busy := r.Register(nopSink{}, "")

	clock.Advance(3 * time.Hour)
	r.Touch(busy)
	clock.Advance(time.Minute)

	now := clock.Now()
	stale := r.Stale(now, 2*time.Hour, 5*time.Minute)
	if len(stale) != 1 || stale[0] != idle {
		t.Fatalf("Stale() = %v, want [%s]", stale, idle)
	}

	if _, ok := r.EvictIfStale(busy, now, 2*time.Hour, 5*time.Minute); ok {
		t.Error("recently touched connection must not be evicted")
	}
	if _, ok := r.EvictIfStale(idle, now, 2*time.Hour, 5*time.Minute); !ok {
		t.Error("idle old connection should be evicted")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestConcurrentRegisterTouchUnregister(t *testing.T) {
	r := New(fakeVerifier{})

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := r.Register(nopSink{}, "")
			for j := 0; j < 20; j++ {
				r.Touch(id)
			}
			r.Unregister(id)
		}()
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
	stats := r.Stats()
	if stats.Registered != workers || stats.Unregistered != workers {
		t.Errorf("Stats = %+v, want %d registered and unregistered", stats, workers)
	}
}

func TestSnapshotOrdered(t *testing.T) {
	clock := newFakeClock()
	r := New(fakeVerifier{}, WithClock(clock.Now))

	first := r.Register(nopSink{}, "")
	clock.Advance(time.Second)
	second := r.Register(nopSink{}, "")

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].ID != first || snap[1].ID != second {
		t.Errorf("Snapshot order wrong: %+v", snap)
	}
}
