package registry

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/proctorhub/internal/model"
)

// Errors
var (
	ErrUnknownConnection  = errors.New("unknown connection")
	ErrNotAuthenticated   = errors.New("connection not authenticated")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrExpiredToken       = errors.New("expired token")
	ErrIdentityMismatch   = errors.New("identity mismatch")
)

// Token verification failures the Verifier may wrap. Anything else is
// treated as invalid credentials.
var (
	ErrTokenExpired = errors.New("token expired")
)

// IsAuthError reports whether err is one of the authentication failures.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrExpiredToken) ||
		errors.Is(err, ErrIdentityMismatch) ||
		errors.Is(err, ErrNotAuthenticated)
}

const shardCount = 32

// Sink is the transport side of a connection.
type Sink interface {
	// Deliver queues an encoded event without blocking. Returns false if the
	// transport is closed or saturated.
	Deliver(msg []byte) bool

	// Close tears down the transport.
	Close() error
}

// Verifier checks a bearer token and returns the identity it was issued to.
type Verifier interface {
	Verify(token string) (model.Identity, error)
}

// Credentials are presented by a connection to authenticate.
type Credentials struct {
	Token string
	ID    string     // Claimed identity; must equal the token subject
	Role  model.Role // Claimed role; must equal the token role when the token carries one
}

// SessionContext is bound to a connection after it joins an exam or session.
type SessionContext struct {
	ExamID    string
	SessionID string // Empty for supervisors
}

// Connection is a point-in-time copy of a registry entry.
type Connection struct {
	ID             string
	Role           model.Role
	Identity       string
	ExamID         string
	SessionID      string
	Authenticated  bool
	RemoteAddr     string
	ConnectedAt    time.Time
	LastActivityAt time.Time

	sink Sink
}

// Sink returns the transport the entry was registered with.
func (c Connection) Sink() Sink {
	return c.sink
}

// Capabilities returns what this connection may do. Unauthenticated
// connections have none.
func (c Connection) Capabilities() model.Capabilities {
	if !c.Authenticated {
		return model.CapabilitiesFor("")
	}
	return model.CapabilitiesFor(c.Role)
}

// Stats contains registry statistics.
type Stats struct {
	Connections   int
	Registered    int64
	Unregistered  int64
	AuthFailures  int64
	Authenticated int64
}

type shard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// Registry tracks live connections.
type Registry struct {
	shards   [shardCount]*shard
	verifier Verifier
	now      func() time.Time
	logger   *slog.Logger

	count         atomic.Int64
	registered    atomic.Int64
	unregistered  atomic.Int64
	authFailures  atomic.Int64
	authenticated atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a Registry that authenticates with verifier.
func New(verifier Verifier, opts ...Option) *Registry {
	r := &Registry{
		verifier: verifier,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[string]*Connection)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Register admits a new, unauthenticated connection and returns its ID.
func (r *Registry) Register(sink Sink, remoteAddr string) string {
	id := uuid.NewString()
	now := r.now()

	s := r.shardFor(id)
	s.mu.Lock()
	s.conns[id] = &Connection{
		ID:             id,
		RemoteAddr:     remoteAddr,
		ConnectedAt:    now,
		LastActivityAt: now,
		sink:           sink,
	}
	s.mu.Unlock()

	r.count.Add(1)
	r.registered.Add(1)

	r.logger.Debug("connection registered", "conn_id", id, "remote_addr", remoteAddr)
	return id
}

// Authenticate verifies credentials and marks the entry authenticated.
// On failure the entry stays registered and unauthenticated. A connection
// already bound to an exam or session may only re-authenticate as the
// same identity and role.
func (r *Registry) Authenticate(id string, creds Credentials) (model.Identity, error) {
	if _, ok := r.Get(id); !ok {
		return model.Identity{}, ErrUnknownConnection
	}

	identity, err := r.verify(creds)
	if err != nil {
		r.authFailures.Add(1)
		r.logger.Warn("authentication failed", "conn_id", id, "claimed_id", creds.ID, "error", err)
		return model.Identity{}, err
	}

	s := r.shardFor(id)
	s.mu.Lock()
	c, ok := s.conns[id]
	if !ok {
		s.mu.Unlock()
		return model.Identity{}, ErrUnknownConnection
	}
	if c.Authenticated && (c.ExamID != "" || c.SessionID != "") &&
		(c.Identity != identity.ID || c.Role != identity.Role) {
		bound := c.Identity
		s.mu.Unlock()
		r.authFailures.Add(1)
		r.logger.Warn("re-authentication rejected on bound connection", "conn_id", id, "identity", bound, "claimed_id", identity.ID)
		return model.Identity{}, fmt.Errorf("%w: connection bound to %q", ErrIdentityMismatch, bound)
	}
	c.Identity = identity.ID
	c.Role = identity.Role
	c.Authenticated = true
	c.LastActivityAt = r.now()
	s.mu.Unlock()

	r.authenticated.Add(1)
	r.logger.Info("connection authenticated", "conn_id", id, "identity", identity.ID, "role", identity.Role)
	return identity, nil
}

// verify runs the verifier outside any shard lock.
func (r *Registry) verify(creds Credentials) (model.Identity, error) {
	if creds.Token == "" || creds.ID == "" {
		return model.Identity{}, fmt.Errorf("%w: token and id are required", ErrInvalidCredentials)
	}
	if creds.Role != "" && !creds.Role.Valid() {
		return model.Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidCredentials, creds.Role)
	}
	if r.verifier == nil {
		return model.Identity{}, fmt.Errorf("%w: no verifier configured", ErrInvalidCredentials)
	}

	verified, err := r.verifier.Verify(creds.Token)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return model.Identity{}, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return model.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	if verified.ID != creds.ID {
		return model.Identity{}, fmt.Errorf("%w: claimed %q, token issued to %q", ErrIdentityMismatch, creds.ID, verified.ID)
	}

	role := verified.Role
	switch {
	case role == "":
		role = creds.Role
	case creds.Role != "" && creds.Role != role:
		return model.Identity{}, fmt.Errorf("%w: claimed role %q, token role %q", ErrIdentityMismatch, creds.Role, role)
	}
	if !role.Valid() {
		return model.Identity{}, fmt.Errorf("%w: no role", ErrInvalidCredentials)
	}

	return model.Identity{ID: verified.ID, Role: role}, nil
}

// Bind attaches exam and session context to an authenticated entry.
func (r *Registry) Bind(id string, ctx SessionContext) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	if !c.Authenticated {
		return ErrNotAuthenticated
	}
	c.ExamID = ctx.ExamID
	c.SessionID = ctx.SessionID
	c.LastActivityAt = r.now()
	return nil
}

// Touch records activity. Returns false for unknown connections.
func (r *Registry) Touch(id string) bool {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[id]
	if !ok {
		return false
	}
	c.LastActivityAt = r.now()
	return true
}

// Unregister removes an entry and returns its final state. Only the first
// call for an ID returns true.
func (r *Registry) Unregister(id string) (Connection, bool) {
	s := r.shardFor(id)
	s.mu.Lock()
	c, ok := s.conns[id]
	if ok {
		delete(s.conns, id)
	}
	s.mu.Unlock()

	if !ok {
		return Connection{}, false
	}

	r.count.Add(-1)
	r.unregistered.Add(1)
	r.logger.Debug("connection unregistered", "conn_id", id, "identity", c.Identity)
	return *c, true
}

// EvictIfStale removes an entry only if, at now, it is older than maxAge
// and idle for longer than idle. The check and removal are atomic, so an
// entry touched concurrently is never evicted.
func (r *Registry) EvictIfStale(id string, now time.Time, maxAge, idle time.Duration) (Connection, bool) {
	s := r.shardFor(id)
	s.mu.Lock()
	c, ok := s.conns[id]
	if !ok || !isStale(c, now, maxAge, idle) {
		s.mu.Unlock()
		return Connection{}, false
	}
	delete(s.conns, id)
	s.mu.Unlock()

	r.count.Add(-1)
	r.unregistered.Add(1)
	return *c, true
}

// Stale returns IDs of entries that look stale at now. Callers must confirm
// with EvictIfStale.
func (r *Registry) Stale(now time.Time, maxAge, idle time.Duration) []string {
	var ids []string
	for _, s := range r.shards {
		s.mu.RLock()
		for id, c := range s.conns {
			if isStale(c, now, maxAge, idle) {
				ids = append(ids, id)
			}
		}
		s.mu.RUnlock()
	}
	return ids
}

func isStale(c *Connection, now time.Time, maxAge, idle time.Duration) bool {
	return now.Sub(c.ConnectedAt) > maxAge && now.Sub(c.LastActivityAt) > idle
}

// Get returns a copy of the entry.
func (r *Registry) Get(id string) (Connection, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// Lookup returns the transport of a live entry.
func (r *Registry) Lookup(id string) (Sink, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conns[id]
	if !ok || c.sink == nil {
		return nil, false
	}
	return c.sink, true
}

// Snapshot returns copies of all entries ordered by connection time.
func (r *Registry) Snapshot() []Connection {
	out := make([]Connection, 0, r.Len())
	for _, s := range r.shards {
		s.mu.RLock()
		for _, c := range s.conns {
			out = append(out, *c)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Stats returns registry statistics.
func (r *Registry) Stats() Stats {
	return Stats{
		Connections:   r.Len(),
		Registered:    r.registered.Load(),
		Unregistered:  r.unregistered.Load(),
		AuthFailures:  r.authFailures.Load(),
		Authenticated: r.authenticated.Load(),
	}
}
