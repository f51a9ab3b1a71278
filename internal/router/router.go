package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/proctorhub/internal/registry"
)

// Errors
var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrInvalidRoom       = errors.New("invalid room key")
)

// Directory resolves connection IDs to live transports. The Registry
// implements it; the router never keeps transports of its own.
type Directory interface {
	Lookup(id string) (registry.Sink, bool)
}

// Router groups connections into rooms and fans events out to them.
type Router struct {
	directory Directory
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	rooms map[Key]*room

	// connID → rooms it has joined, for LeaveAll
	memberMu sync.Mutex
	memberOf map[string]map[Key]struct{}

	broadcasts atomic.Int64
	delivered  atomic.Int64
	dropped    atomic.Int64
	skipped    atomic.Int64
}

type room struct {
	mu      sync.RWMutex
	members map[string]struct{}
	closed  bool // removed from the table; joiners must retry
}

// Stats contains router statistics.
type Stats struct {
	Rooms      int
	Broadcasts int64
	Delivered  int64
	Dropped    int64 // Member transport saturated or closed
	Skipped    int64 // Member no longer in the registry
}

// New creates a Router backed by directory.
func New(directory Directory, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		directory: directory,
		logger:    logger,
		now:       time.Now,
		rooms:     make(map[Key]*room),
		memberOf:  make(map[string]map[Key]struct{}),
	}
}

// Join adds a live connection to a room, creating the room if needed.
func (r *Router) Join(connID string, key Key) error {
	if !key.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidRoom, key)
	}
	if _, ok := r.directory.Lookup(connID); !ok {
		return ErrUnknownConnection
	}

	for {
		rm := r.getOrCreate(key)
		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			continue
		}
		rm.members[connID] = struct{}{}
		rm.mu.Unlock()
		break
	}

	r.memberMu.Lock()
	keys, ok := r.memberOf[connID]
	if !ok {
		keys = make(map[Key]struct{})
		r.memberOf[connID] = keys
	}
	keys[key] = struct{}{}
	r.memberMu.Unlock()

	// A disconnect may have run LeaveAll between the lookup and the insert.
	if _, ok := r.directory.Lookup(connID); !ok {
		r.Leave(connID, key)
		return ErrUnknownConnection
	}

	r.logger.Debug("joined room", "conn_id", connID, "room", key.String())
	return nil
}

// Leave removes a connection from a room. Leaving a room the connection is
// not in is a no-op.
func (r *Router) Leave(connID string, key Key) {
	r.leave(connID, key)

	r.memberMu.Lock()
	if keys, ok := r.memberOf[connID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.memberOf, connID)
		}
	}
	r.memberMu.Unlock()
}

// LeaveAll removes a connection from every room and returns the rooms it
// was in.
func (r *Router) LeaveAll(connID string) []Key {
	r.memberMu.Lock()
	keys := r.memberOf[connID]
	delete(r.memberOf, connID)
	r.memberMu.Unlock()

	out := make([]Key, 0, len(keys))
	for key := range keys {
		r.leave(connID, key)
		out = append(out, key)
	}
	return out
}

func (r *Router) leave(connID string, key Key) {
	r.mu.RLock()
	rm, ok := r.rooms[key]
	r.mu.RUnlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	delete(rm.members, connID)
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		r.removeIfEmpty(key, rm)
	}
}

// Broadcast delivers event to every member of the room at call time except
// excludeID, and returns how many members accepted it. Members that have
// disconnected or whose transport is saturated are skipped.
func (r *Router) Broadcast(key Key, event Event, excludeID string) int {
	r.broadcasts.Add(1)

	members := r.Members(key)
	if len(members) == 0 {
		return 0
	}

	data, err := r.encode(event)
	if err != nil {
		r.logger.Error("failed to encode event", "type", event.Type, "error", err)
		return 0
	}

	delivered := 0
	for _, id := range members {
		if id == excludeID {
			continue
		}
		sink, ok := r.directory.Lookup(id)
		if !ok {
			r.skipped.Add(1)
			continue
		}
		if !sink.Deliver(data) {
			r.dropped.Add(1)
			r.logger.Debug("dropped event for slow member", "conn_id", id, "type", event.Type)
			continue
		}
		delivered++
	}

	r.delivered.Add(int64(delivered))
	return delivered
}

// DeliverTo sends an event to a single connection.
func (r *Router) DeliverTo(connID string, event Event) error {
	sink, ok := r.directory.Lookup(connID)
	if !ok {
		return ErrUnknownConnection
	}

	data, err := r.encode(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.Type, err)
	}

	if !sink.Deliver(data) {
		r.dropped.Add(1)
		return fmt.Errorf("deliver %s to %s: transport unavailable", event.Type, connID)
	}
	r.delivered.Add(1)
	return nil
}

// Members returns the connection IDs currently in a room, sorted.
func (r *Router) Members(key Key) []string {
	r.mu.RLock()
	rm, ok := r.rooms[key]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.RLock()
	out := make([]string, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	rm.mu.RUnlock()

	sort.Strings(out)
	return out
}

// RoomsOf returns the rooms a connection has joined.
func (r *Router) RoomsOf(connID string) []Key {
	r.memberMu.Lock()
	defer r.memberMu.Unlock()

	out := make([]Key, 0, len(r.memberOf[connID]))
	for key := range r.memberOf[connID] {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Stats returns router statistics.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	rooms := len(r.rooms)
	r.mu.RUnlock()

	return Stats{
		Rooms:      rooms,
		Broadcasts: r.broadcasts.Load(),
		Delivered:  r.delivered.Load(),
		Dropped:    r.dropped.Load(),
		Skipped:    r.skipped.Load(),
	}
}

func (r *Router) getOrCreate(key Key) *room {
	r.mu.RLock()
	rm, ok := r.rooms[key]
	r.mu.RUnlock()
	if ok {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[key]; ok {
		return rm
	}
	rm = &room{members: make(map[string]struct{})}
	r.rooms[key] = rm
	return rm
}

// removeIfEmpty drops an empty room from the table. The room is marked
// closed under its own lock so a concurrent Join retries on a fresh room.
func (r *Router) removeIfEmpty(key Key, rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[key] != rm {
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.members) > 0 {
		return
	}
	rm.closed = true
	delete(r.rooms, key)
}

func (r *Router) encode(event Event) ([]byte, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now().UTC()
	}
	return json.Marshal(event)
}
