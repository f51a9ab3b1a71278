package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/rickgao/proctorhub/internal/registry"
)

// recordingSink captures delivered frames.
type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
}

func (s *recordingSink) Deliver(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.frames = append(s.frames, msg)
	return true
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) Events(t *testing.T) []Event {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0, len(s.frames))
	for _, f := range s.frames {
		var ev Event
		if err := json.Unmarshal(f, &ev); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

// fakeDirectory is a mutable connection table.
type fakeDirectory struct {
	mu    sync.RWMutex
	sinks map[string]*recordingSink
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{sinks: make(map[string]*recordingSink)}
}

func (d *fakeDirectory) Lookup(id string) (registry.Sink, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sinks[id]
	if !ok {
		return nil, false
	}
	return s, true
}

func (d *fakeDirectory) add(id string) *recordingSink {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &recordingSink{}
	d.sinks[id] = s
	return s
}

func (d *fakeDirectory) remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sinks, id)
}

func TestKeyValid(t *testing.T) {
	tests := []struct {
		key  Key
		want bool
	}{
		{SupervisorsRoom("exam-1"), true},
		{SubjectsRoom("exam-1"), true},
		{SessionRoom("exam-1", "s-1"), true},
		{SessionRoom("exam-1", ""), false},
		{SupervisorsRoom(""), false},
		{Key{ExamID: "exam-1", Scope: "lobby"}, false},
	}

	for _, tt := range tests {
		if got := tt.key.Valid(); got != tt.want {
			t.Errorf("%s.Valid() = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestBroadcast_DeliversOnlyToMembers(t *testing.T) {
	dir := newFakeDirectory()
	r := New(dir, slog.Default())

	supA := dir.add("sup-a")
	supB := dir.add("sup-b")
	outsider := dir.add("sup-other-exam")
	subject := dir.add("stu-1")

	room := SupervisorsRoom("exam-1")
	for _, id := range []string{"sup-a", "sup-b"} {
		if err := r.Join(id, room); err != nil {
			t.Fatalf("Join(%s) error = %v", id, err)
		}
	}
	r.Join("sup-other-exam", SupervisorsRoom("exam-2"))
	r.Join("stu-1", SubjectsRoom("exam-1"))

	n := r.Broadcast(room, Event{Type: EventHighRiskAlert, Data: map[string]any{"riskScore": 91}}, "")
	if n != 2 {
		t.Errorf("Broadcast delivered to %d, want 2", n)
	}

	for name, s := range map[string]*recordingSink{"sup-a": supA, "sup-b": supB} {
		evs := s.Events(t)
		if len(evs) != 1 || evs[0].Type != EventHighRiskAlert {
			t.Errorf("%s received %+v, want one high-risk-alert", name, evs)
		}
		if evs[0].Timestamp.IsZero() {
			t.Errorf("%s event missing timestamp", name)
		}
	}
	if len(outsider.Events(t)) != 0 {
		t.Error("connection in another exam's room received the broadcast")
	}
	if len(subject.Events(t)) != 0 {
		t.Error("subject received a supervisor broadcast")
	}
}

func TestBroadcast_ExcludeAndSkipDisconnected(t *testing.T) {
	dir := newFakeDirectory()
	r := New(dir, nil)

	a := dir.add("a")
	b := dir.add("b")
	dir.add("gone")

	room := SubjectsRoom("exam-1")
	r.Join("a", room)
	r.Join("b", room)
	r.Join("gone", room)
	dir.remove("gone")

	n := r.Broadcast(room, Event{Type: EventInstructorMessage}, "a")
	if n != 1 {
		t.Errorf("Broadcast delivered to %d, want 1", n)
	}
	if len(a.Events(t)) != 0 {
		t.Error("excluded member received the broadcast")
	}
	if len(b.Events(t)) != 1 {
		t.Error("member b did not receive the broadcast")
	}
	if r.Stats().Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", r.Stats().Skipped)
	}
}

func TestBroadcast_SlowMemberDropped(t *testing.T) {
	dir := newFakeDirectory()
	r := New(dir, nil)

	slow := dir.add("slow")
	slow.full = true
	fast := dir.add("fast")

	room := SupervisorsRoom("exam-1")
	r.Join("slow", room)
	r.Join("fast", room)

	if n := r.Broadcast(room, Event{Type: EventLiveTelemetry}, ""); n != 1 {
		t.Errorf("Broadcast delivered to %d, want 1", n)
	}
	if len(fast.Events(t)) != 1 {
		t.Error("fast member missed the event")
	}
	if r.Stats().Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", r.Stats().Dropped)
	}
}

func TestJoin_Errors(t *testing.T) {
	dir := newFakeDirectory()
	r := New(dir, nil)

	if err := r.Join("ghost", SupervisorsRoom("exam-1")); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("Join unknown error = %v, want ErrUnknownConnection", err)
	}

	dir.add("a")
	if err := r.Join("a", Key{ExamID: "exam-1", Scope: "nope"}); !errors.Is(err, ErrInvalidRoom) {
		t.Errorf("Join invalid room error = %v, want ErrInvalidRoom", err)
	}
}

func TestLeaveAndLeaveAll(t *testing.T) {
	dir := newFakeDirectory()
	r := New(dir, nil)
	dir.add("a")

	sup := SupervisorsRoom("exam-1")
	sess := SessionRoom("exam-1", "s-1")
	r.Join("a", sup)
	r.Join("a", sess)

	if got := r.RoomsOf("a"); len(got) != 2 {
		t.Fatalf("RoomsOf = %v, want 2 rooms", got)
	}

	r.Leave("a", sup)
	if len(r.Members(sup)) != 0 {
		t.Error("member still present after Leave")
	}
	r.Leave("a", sup) // no-op

	left := r.LeaveAll("a")
	if len(left) != 1 || left[0] != sess {
		t.Errorf("LeaveAll = %v, want [%s]", left, sess)
	}
	if r.Stats().Rooms != 0 {
		t.Errorf("Rooms = %d, want 0 after everyone left", r.Stats().Rooms)
	}
}

func TestDeliverTo(t *testing.T) {
	dir := newFakeDirectory()
	r := New(dir, nil)
	a := dir.add("a")

	if err := r.DeliverTo("a", Event{Type: EventAcknowledged, Data: map[string]string{"alertId": "x"}}); err != nil {
		t.Fatalf("DeliverTo error = %v", err)
	}
	evs := a.Events(t)
	if len(evs) != 1 || evs[0].Type != EventAcknowledged {
		t.Errorf("received %+v, want one acknowledged", evs)
	}

	if err := r.DeliverTo("missing", Event{Type: EventAcknowledged}); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("DeliverTo missing error = %v, want ErrUnknownConnection", err)
	}

	a.full = true
	if err := r.DeliverTo("a", Event{Type: EventAcknowledged}); err == nil {
		t.Error("DeliverTo saturated sink should fail")
	}
}

func TestConcurrentJoinLeaveBroadcast(t *testing.T) {
	dir := newFakeDirectory()
	r := New(dir, nil)
	room := SupervisorsRoom("exam-1")

	const members = 40
	for i := 0; i < members; i++ {
		dir.add(fmt.Sprintf("c-%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < members; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				r.Join(id, room)
				r.Broadcast(room, Event{Type: EventLiveTelemetry}, "")
				r.Leave(id, room)
			}
		}(fmt.Sprintf("c-%d", i))
	}
	wg.Wait()

	if got := r.Members(room); len(got) != 0 {
		t.Errorf("Members = %v, want empty", got)
	}
}
