package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/proctorhub/internal/alert"
	"github.com/rickgao/proctorhub/internal/connection"
	"github.com/rickgao/proctorhub/internal/model"
	"github.com/rickgao/proctorhub/internal/registry"
	"github.com/rickgao/proctorhub/internal/router"
	"github.com/rickgao/proctorhub/internal/sampling"
	"github.com/rickgao/proctorhub/internal/session"
)

// tokenVerifier accepts tokens of the form "<id>:<role>".
type tokenVerifier struct{}

func (tokenVerifier) Verify(token string) (model.Identity, error) {
	id, role, ok := strings.Cut(token, ":")
	if !ok || id == "" {
		return model.Identity{}, errors.New("malformed token")
	}
	if role == "expired" {
		return model.Identity{}, registry.ErrTokenExpired
	}
	return model.Identity{ID: id, Role: model.Role(role)}, nil
}

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// recordingSink captures every frame delivered to a connection.
type recordingSink struct {
	mu     sync.Mutex
	msgs   [][]byte
	closed bool
	onMsg  func(wireEvent) // Called synchronously on delivery
}

func (s *recordingSink) Deliver(msg []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.msgs = append(s.msgs, append([]byte(nil), msg...))
	hook := s.onMsg
	s.mu.Unlock()

	if hook != nil {
		var ev wireEvent
		json.Unmarshal(msg, &ev)
		hook(ev)
	}
	return true
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) events() []wireEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wireEvent, 0, len(s.msgs))
	for _, m := range s.msgs {
		var ev wireEvent
		if err := json.Unmarshal(m, &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordingSink) ofType(typ string) []wireEvent {
	var out []wireEvent
	for _, ev := range s.events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordingSink) last(t *testing.T) wireEvent {
	t.Helper()
	evs := s.events()
	if len(evs) == 0 {
		t.Fatal("no events delivered")
	}
	return evs[len(evs)-1]
}

func decode[T any](t *testing.T, ev wireEvent) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(ev.Data, &v); err != nil {
		t.Fatalf("decode %s: %v", ev.Type, err)
	}
	return v
}

// recordingPersister captures everything handed to persistence, in order.
type recordingPersister struct {
	mu       sync.Mutex
	order    []string
	sessions []model.Session
	alerts   []model.Alert
	samples  []model.TelemetrySample
}

func (p *recordingPersister) PersistSession(s model.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = append(p.order, "session")
	p.sessions = append(p.sessions, s)
}

func (p *recordingPersister) PersistAlert(a model.Alert) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = append(p.order, "alert")
	p.alerts = append(p.alerts, a)
}

func (p *recordingPersister) PersistSample(s model.TelemetrySample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = append(p.order, "sample")
	p.samples = append(p.samples, s)
}

func (p *recordingPersister) sampleSeqs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var seqs []int64
	for _, s := range p.samples {
		seqs = append(seqs, s.Sequence)
	}
	return seqs
}

type persister interface {
	session.Persister
	alert.Persister
	SamplePersister
}

type harness struct {
	coord    *Coordinator
	reg      *registry.Registry
	rt       *router.Router
	sessions *session.Manager
	engine   *alert.Engine
}

type harnessOption func(*Deps)

func withInference(inf Inference) harnessOption {
	return func(d *Deps) { d.Inference = inf }
}

func newHarness(t *testing.T, p persister, opts ...harnessOption) *harness {
	t.Helper()
	reg := registry.New(tokenVerifier{})
	rt := router.New(reg, nil)
	sessions := session.NewManager(p, nil)
	engine := alert.New(alert.DefaultConfig(), rt, p, sessions, nil)

	deps := Deps{
		Registry: reg,
		Router:   rt,
		Sessions: sessions,
		Alerts:   engine,
		// Never sample at random so persisted frames are predictable.
		Sampler: sampling.New(sampling.DefaultPolicy(), func() float64 { return 0.99 }),
		Samples: p,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	return &harness{
		coord:    New(DefaultConfig(), deps, nil),
		reg:      reg,
		rt:       rt,
		sessions: sessions,
		engine:   engine,
	}
}

// client is a test connection driven through its Handler.
type client struct {
	h    *Handler
	sink *recordingSink
}

func (hs *harness) connect() *client {
	sink := &recordingSink{}
	return &client{h: hs.coord.Connect(context.Background(), sink, "127.0.0.1:5000"), sink: sink}
}

func (c *client) send(t *testing.T, typ string, data any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": typ, "data": data})
	if err != nil {
		t.Fatalf("marshal %s: %v", typ, err)
	}
	c.h.HandleMessage(connection.TimestampedMessage{Data: raw, ReceivedAt: time.Now()})
}

// subject authenticates a subject and joins the exam, returning its session id.
func (hs *harness) subject(t *testing.T, id, examID string) (*client, string) {
	t.Helper()
	c := hs.connect()
	c.send(t, MsgAuthenticate, AuthenticateRequest{Token: id + ":subject", ID: id, Role: model.RoleSubject})
	c.send(t, MsgJoinSession, JoinSessionRequest{ExamID: examID})

	joined := c.sink.ofType(router.EventSessionJoined)
	if len(joined) != 1 {
		t.Fatalf("subject %s: session-joined events = %d, want 1 (events %v)", id, len(joined), c.sink.events())
	}
	return c, decode[SessionJoinedPayload](t, joined[0]).SessionID
}

// supervisor authenticates a supervisor and starts monitoring the exam.
func (hs *harness) supervisor(t *testing.T, id, examID string) *client {
	t.Helper()
	c := hs.connect()
	c.send(t, MsgAuthenticate, AuthenticateRequest{Token: id + ":supervisor", ID: id, Role: model.RoleSupervisor})
	c.send(t, MsgJoinExamMonitoring, JoinExamMonitoringRequest{ExamID: examID})

	if len(c.sink.ofType(router.EventCurrentActiveSessions)) != 1 {
		t.Fatalf("supervisor %s: no current-active-sessions reply (events %v)", id, c.sink.events())
	}
	return c
}

// uniform builds per-category scores that combine to score/100.
func uniform(score float64) map[string]float64 {
	v := score / 100
	return map[string]float64{
		string(model.CategoryFaceDetection):   v,
		string(model.CategoryEyeMovement):     v,
		string(model.CategoryAudioAnalysis):   v,
		string(model.CategoryBrowserActivity): v,
	}
}

func seq(n int64) *int64 {
	return &n
}
