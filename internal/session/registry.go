// Package session runs one order reconciliation loop per active actor.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jogardn/harvest-orders/internal/circuitbreaker"
	"github.com/jogardn/harvest-orders/internal/reconciler"
	"github.com/jogardn/harvest-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

var ErrInvalidActor = errors.New("session: invalid actor")

// Info describes a running session.
type Info struct {
	ActorID       string      `json:"actor_id"`
	Role          models.Role `json:"role"`
	StartedAt     time.Time   `json:"started_at"`
	LastSeenCount int         `json:"last_seen_count"`
	Seeded        bool        `json:"seeded"`
	Breaker       string      `json:"breaker,omitempty"`
}

type session struct {
	rec       *reconciler.Reconciler
	breaker   *circuitbreaker.CircuitBreaker
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	// stopping is set once Stop claims the session; stopped closes after
	// the loop exited and its breaker was released.
	stopping bool
	stopped  chan struct{}
}

type Registry struct {
	source   reconciler.OrderSource
	sink     reconciler.Sink
	cfg      reconciler.Config
	breakers *circuitbreaker.Manager
	clock    reconciler.Clock
	logger   *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*session
	root     context.Context
	stopRoot context.CancelFunc
}

func NewRegistry(source reconciler.OrderSource, sink reconciler.Sink, cfg reconciler.Config, logger *logrus.Logger) *Registry {
	root, cancel := context.WithCancel(context.Background())
	return &Registry{
		source:   source,
		sink:     sink,
		cfg:      cfg,
		clock:    reconciler.SystemClock,
		logger:   logger,
		sessions: make(map[string]*session),
		root:     root,
		stopRoot: cancel,
	}
}

// SetBreakers gives every session a breaker named after its actor.
func (r *Registry) SetBreakers(m *circuitbreaker.Manager) { r.breakers = m }

func (r *Registry) SetClock(c reconciler.Clock) { r.clock = c }

// Start launches the actor's loop. It reports false when the actor already
// has one running; a second loop is never spawned. A Start racing a Stop
// for the same actor waits until the old loop has exited.
func (r *Registry) Start(actor models.Actor) (bool, error) {
	if !actor.Valid() {
		return false, ErrInvalidActor
	}

	r.mu.Lock()
	for {
		old, ok := r.sessions[actor.ID]
		if !ok {
			break
		}
		if !old.stopping {
			r.mu.Unlock()
			return false, nil
		}
		r.mu.Unlock()
		<-old.stopped
		r.mu.Lock()
	}
	defer r.mu.Unlock()
	if r.root.Err() != nil {
		return false, r.root.Err()
	}

	rec := reconciler.New(actor, r.source, r.sink, r.cfg, r.logger)
	rec.SetClock(r.clock)
	var cb *circuitbreaker.CircuitBreaker
	if r.breakers != nil {
		cb = r.breakers.GetOrCreate(actor.ID)
		rec.SetBreaker(cb)
	}

	ctx, cancel := context.WithCancel(r.root)
	s := &session{
		rec:       rec,
		breaker:   cb,
		startedAt: r.clock.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	r.sessions[actor.ID] = s

	go func() {
		defer close(s.done)
		rec.Run(ctx)
	}()

	r.logger.WithFields(logrus.Fields{
		"actor_id": actor.ID,
		"role":     actor.Role,
	}).Info("Session started")
	return true, nil
}

// Stop ends the actor's session and waits for its loop to exit. It reports
// whether this call stopped a running session; a concurrent Stop of the same
// session waits too but reports false.
func (r *Registry) Stop(actorID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[actorID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if s.stopping {
		r.mu.Unlock()
		<-s.stopped
		return false
	}
	s.stopping = true
	r.mu.Unlock()

	s.cancel()
	<-s.done
	if r.breakers != nil && s.breaker != nil {
		r.breakers.Release(actorID, s.breaker)
	}

	r.mu.Lock()
	delete(r.sessions, actorID)
	r.mu.Unlock()
	close(s.stopped)

	r.logger.WithField("actor_id", actorID).Info("Session stopped")
	return true
}

// StopAll ends every session and refuses new ones.
func (r *Registry) StopAll() {
	r.mu.Lock()
	r.stopRoot()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Stop(id)
	}
}

func (r *Registry) Running(actorID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[actorID]
	return ok && !s.stopping
}

// Sessions lists running sessions ordered by actor id.
func (r *Registry) Sessions() []Info {
	r.mu.Lock()
	list := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if !s.stopping {
			list = append(list, s)
		}
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		b, seeded := s.rec.Baseline()
		actor := s.rec.Actor()
		info := Info{
			ActorID:       actor.ID,
			Role:          actor.Role,
			StartedAt:     s.startedAt,
			LastSeenCount: b.LastSeenCount,
			Seeded:        seeded,
		}
		if s.breaker != nil {
			info.Breaker = s.breaker.State().String()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out
}
