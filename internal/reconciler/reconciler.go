// Package reconciler detects new orders for one actor by periodically
// re-reading the order set and comparing its size with a remembered
// baseline.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jogardn/harvest-orders/internal/circuitbreaker"
	"github.com/jogardn/harvest-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultSettleDelay  = 5 * time.Second
	DefaultFetchTimeout = 5 * time.Second
)

type OrderSource interface {
	ListOrders(ctx context.Context, actor models.Actor) ([]models.Order, error)
}

// DiffEvent reports orders that appeared since the previous cycle. Orders is
// the full refreshed set, newest first as the source returned it.
type DiffEvent struct {
	ActorID    string
	Delta      int
	Orders     []models.Order
	ObservedAt time.Time
}

type Sink interface {
	HandleDiff(ctx context.Context, ev DiffEvent) error
}

type SinkFunc func(ctx context.Context, ev DiffEvent) error

func (f SinkFunc) HandleDiff(ctx context.Context, ev DiffEvent) error { return f(ctx, ev) }

type Config struct {
	PollInterval time.Duration
	SettleDelay  time.Duration
	FetchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	return c
}

// Reconciler owns one actor's polling loop. The baseline it keeps is private
// to the session and never shared.
type Reconciler struct {
	actor   models.Actor
	source  OrderSource
	sink    Sink
	cfg     Config
	clock   Clock
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger

	mu        sync.Mutex
	startedAt time.Time
	baseline  Baseline
	seeded    bool
}

func New(actor models.Actor, source OrderSource, sink Sink, cfg Config, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		actor:  actor,
		source: source,
		sink:   sink,
		cfg:    cfg.withDefaults(),
		clock:  SystemClock,
		logger: logger,
	}
}

func (r *Reconciler) SetClock(c Clock) { r.clock = c }

// SetBreaker routes every fetch through cb. An open breaker fails the cycle.
func (r *Reconciler) SetBreaker(cb *circuitbreaker.CircuitBreaker) { r.breaker = cb }

func (r *Reconciler) Actor() models.Actor { return r.actor }

// Baseline returns the current baseline and whether it has been seeded.
func (r *Reconciler) Baseline() (Baseline, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.baseline, r.seeded
}

// Start records the session start and seeds the baseline from an initial
// fetch. If that fetch fails the first successful cycle seeds it instead,
// without emitting.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.startedAt = r.clock.Now()
	r.seeded = false

	orders, err := r.fetch(ctx)
	if err != nil {
		r.logger.WithField("actor_id", r.actor.ID).WithError(err).Warn("Initial order fetch failed")
		return err
	}
	r.baseline = NewBaseline(len(orders), r.startedAt, r.cfg.SettleDelay)
	r.seeded = true

	r.logger.WithFields(logrus.Fields{
		"actor_id":     r.actor.ID,
		"order_count":  len(orders),
		"settle_until": r.baseline.SettleUntil,
	}).Debug("Reconciliation baseline seeded")
	return nil
}

// Run seeds the baseline and then polls every PollInterval until ctx is
// cancelled. No cycle starts after cancellation and the ticker is stopped
// before Run returns.
func (r *Reconciler) Run(ctx context.Context) {
	_ = r.Start(ctx)

	ticker := r.clock.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.WithFields(logrus.Fields{
		"actor_id":      r.actor.ID,
		"poll_interval": r.cfg.PollInterval.String(),
	}).Info("Order reconciliation started")

	for {
		select {
		case <-ctx.Done():
			r.logger.WithField("actor_id", r.actor.ID).Info("Order reconciliation stopped")
			return
		case <-ticker.C():
			if ctx.Err() != nil {
				continue
			}
			_, _ = r.Poll(ctx)
		}
	}
}

// Poll runs one reconciliation cycle and returns the delta it emitted. A
// failed fetch leaves the baseline untouched so the next successful cycle
// still sees the true delta.
func (r *Reconciler) Poll(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	orders, err := r.fetch(ctx)
	if err != nil {
		r.logger.WithField("actor_id", r.actor.ID).WithError(err).Warn("Order fetch failed, skipping cycle")
		return 0, err
	}

	now := r.clock.Now()
	if !r.seeded {
		r.baseline = NewBaseline(len(orders), r.startedAt, r.cfg.SettleDelay)
		r.seeded = true
		return 0, nil
	}

	next, delta := r.baseline.Observe(len(orders), now)
	// Advance before handing off so a failing sink cannot see the same
	// delta twice.
	r.baseline = next
	if delta == 0 {
		return 0, nil
	}

	ev := DiffEvent{
		ActorID:    r.actor.ID,
		Delta:      delta,
		Orders:     orders,
		ObservedAt: now,
	}
	r.logger.WithFields(logrus.Fields{
		"actor_id":    r.actor.ID,
		"delta":       delta,
		"order_count": len(orders),
	}).Info("New orders detected")

	if r.sink != nil {
		if err := r.sink.HandleDiff(ctx, ev); err != nil {
			r.logger.WithField("actor_id", r.actor.ID).WithError(err).Warn("Failed to deliver order diff")
		}
	}
	return delta, nil
}

func (r *Reconciler) fetch(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	call := func(ctx context.Context) error {
		var err error
		orders, err = r.fetchWithTimeout(ctx)
		return err
	}
	if r.breaker == nil {
		err := call(ctx)
		return orders, err
	}
	if err := r.breaker.Execute(ctx, call); err != nil {
		return nil, err
	}
	return orders, nil
}

// fetchWithTimeout bounds a single fetch even when the source ignores ctx.
func (r *Reconciler) fetchWithTimeout(ctx context.Context) ([]models.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	type result struct {
		orders []models.Order
		err    error
	}
	done := make(chan result, 1)
	go func() {
		orders, err := r.source.ListOrders(ctx, r.actor)
		done <- result{orders, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("fetch orders for %s: %w", r.actor.ID, res.err)
		}
		return res.orders, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch orders for %s: %w", r.actor.ID, ctx.Err())
	}
}
