package session

import (
	"sync"

	"cosmossdk.io/log"
	"github.com/google/uuid"

	"github.com/openalpha/tradesim/events"
	"github.com/openalpha/tradesim/lesson"
	"github.com/openalpha/tradesim/metrics"
	"github.com/openalpha/tradesim/types"
)

// EventSink receives every session event for asynchronous persistence.
// Implementations must never block the caller.
type EventSink interface {
	Record(sessionID string, ev events.Event)
}

// Supervisor owns every live Runtime. Callers refer to sessions by id;
// nothing session-scoped lives outside this map.
type Supervisor struct {
	mu       sync.RWMutex
	sessions map[string]*Runtime
	sink     EventSink
	logger   log.Logger
	newID    func() string
}

// NewSupervisor creates an empty supervisor. sink may be nil to disable
// persistence.
func NewSupervisor(sink EventSink, logger log.Logger) *Supervisor {
	return &Supervisor{
		sessions: make(map[string]*Runtime),
		sink:     sink,
		logger:   logger.With("component", "supervisor"),
		newID:    uuid.NewString,
	}
}

// Create builds a Pending session from a lesson plan and a roster.
func (s *Supervisor) Create(plan *lesson.Plan, roster []string) (*Runtime, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	id := s.newID()
	rt, err := NewRuntime(id, plan, roster, s.logger)
	if err != nil {
		return nil, err
	}
	if s.sink != nil {
		s.attachSink(rt)
	}
	s.mu.Lock()
	s.sessions[id] = rt
	s.mu.Unlock()
	metrics.GetCollector().RecordSessionCreated()
	s.logger.Info("session created", "session", id, "lesson", plan.LessonID)
	return rt, nil
}

// attachSink subscribes an unfiltered drain on the session bus and pumps
// it into the persistence sink off the actor's critical path.
func (s *Supervisor) attachSink(rt *Runtime) {
	sub, err := call(rt, func() *events.Subscriber {
		return rt.bus.Subscribe("persist:"+rt.ID, "", nil)
	})
	if err != nil {
		return
	}
	go func() {
		for ev := range sub.Events {
			s.sink.Record(rt.ID, ev)
		}
	}()
}

// Get returns a session by id.
func (s *Supervisor) Get(id string) (*Runtime, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.sessions[id]
	return rt, ok
}

// List returns every live session id.
func (s *Supervisor) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// Count returns the number of live sessions.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Reap shuts down and removes terminal sessions, returning how many were
// collected.
func (s *Supervisor) Reap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rt := range s.sessions {
		state, err := rt.State()
		if err == types.ErrSessionTerminal || (err == nil && state.Terminal()) {
			label := "terminal"
			if err == nil {
				rt.Shutdown()
				label = state.String()
			}
			delete(s.sessions, id)
			metrics.GetCollector().RecordSessionClosed(label)
			n++
		}
	}
	if n > 0 {
		s.logger.Info("reaped sessions", "count", n)
	}
	return n
}

// Shutdown ends and stops every session.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rt := range s.sessions {
		if err := rt.End(); err != nil && err != types.ErrSessionTerminal {
			_ = rt.Cancel()
		}
		label := "terminal"
		if state, err := rt.State(); err == nil {
			label = state.String()
		}
		rt.Shutdown()
		delete(s.sessions, id)
		metrics.GetCollector().RecordSessionClosed(label)
	}
}
