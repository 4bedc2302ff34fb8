// Package breaker implements per-service circuit breakers with durable
// state. Breakers survive restarts: open circuits stay open after a crash
// because their state is checkpointed to the store on every change.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"landscape/internal/config"
	"landscape/internal/store"
)

// ErrOpen is returned when a call is refused because the circuit is open.
var ErrOpen = errors.New("breaker: circuit open")

// State is the circuit state.
type State string

const (
	Closed   State = "closed"
	HalfOpen State = "half-open"
	Open     State = "open"
)

type circuit struct {
	service  string
	cfg      config.BreakerConfig
	state    State
	failures int
	lastFail time.Time
	openTil  time.Time
	// coolDown is the currently effective cool-down; it doubles on each
	// half-open failure up to cfg.MaxCoolDown.
	coolDown time.Duration
	// probing guards the half-open single trial call.
	probing bool
}

// Checkpointer persists breaker state; *store.Store satisfies it.
type Checkpointer interface {
	SaveBreakerState(ctx context.Context, b *store.BreakerState) error
	LoadBreakerStates(ctx context.Context) (map[string]*store.BreakerState, error)
}

// Registry owns one circuit per service name.
type Registry struct {
	mu     sync.Mutex
	byName map[string]*circuit
	cfg    *config.Config
	ckpt   Checkpointer
	logger *zap.Logger
	now    func() time.Time
}

// NewRegistry builds a registry, restoring any checkpointed circuits.
func NewRegistry(ctx context.Context, cfg *config.Config, ckpt Checkpointer, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		byName: map[string]*circuit{},
		cfg:    cfg,
		ckpt:   ckpt,
		logger: logger,
		now:    time.Now,
	}
	if ckpt != nil {
		saved, err := ckpt.LoadBreakerStates(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to restore breaker states: %w", err)
		}
		for service, bs := range saved {
			c := r.newCircuit(service)
			c.state = State(bs.State)
			c.failures = bs.ConsecutiveFailures
			if bs.LastFailureAt != nil {
				c.lastFail = *bs.LastFailureAt
			}
			if bs.OpenUntil != nil {
				c.openTil = *bs.OpenUntil
			}
			if bs.CoolDownSeconds > 0 {
				c.coolDown = time.Duration(bs.CoolDownSeconds) * time.Second
			}
			r.byName[service] = c
			if c.state == Open {
				logger.Info("restored open circuit",
					zap.String("service", service),
					zap.Time("open_until", c.openTil))
			}
		}
	}
	return r, nil
}

func (r *Registry) newCircuit(service string) *circuit {
	cfg := r.cfg.BreakerFor(service)
	return &circuit{
		service:  service,
		cfg:      cfg,
		state:    Closed,
		coolDown: cfg.CoolDown,
	}
}

func (r *Registry) get(service string) *circuit {
	c, ok := r.byName[service]
	if !ok {
		c = r.newCircuit(service)
		r.byName[service] = c
	}
	return c
}

// StateOf reports the current state of a service's circuit, advancing an
// expired open circuit to half-open.
func (r *Registry) StateOf(service string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.get(service)
	r.advance(c)
	return c.state
}

// advance moves open→half-open when the cool-down has elapsed. Caller holds
// the lock.
func (r *Registry) advance(c *circuit) {
	if c.state == Open && !r.now().Before(c.openTil) {
		c.state = HalfOpen
		c.probing = false
		r.logger.Info("circuit half-open", zap.String("service", c.service))
	}
}

// Do runs op behind the circuit for service. When the circuit is open (or a
// half-open trial is already in flight) it returns ErrOpen without invoking
// op. op errors count toward opening; success closes.
func (r *Registry) Do(ctx context.Context, service string, op func(ctx context.Context) error) error {
	r.mu.Lock()
	c := r.get(service)
	r.advance(c)
	switch c.state {
	case Open:
		remaining := c.openTil.Sub(r.now())
		r.mu.Unlock()
		return fmt.Errorf("%w: %s for another %s", ErrOpen, service, remaining.Round(time.Second))
	case HalfOpen:
		if c.probing {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s trial in flight", ErrOpen, service)
		}
		c.probing = true
	}
	r.mu.Unlock()

	err := op(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.recordFailure(ctx, c)
		return err
	}
	r.recordSuccess(ctx, c)
	return nil
}

// recordFailure counts one failure and opens the circuit when the threshold
// is reached. Failures outside the sliding window reset the count first.
// Caller holds the lock.
func (r *Registry) recordFailure(ctx context.Context, c *circuit) {
	now := r.now()
	if c.state == Closed && c.cfg.Window > 0 && !c.lastFail.IsZero() &&
		now.Sub(c.lastFail) > c.cfg.Window {
		c.failures = 0
	}
	c.failures++
	c.lastFail = now

	switch c.state {
	case HalfOpen:
		// Failed trial: reopen with doubled cool-down.
		c.probing = false
		c.coolDown *= 2
		if c.cfg.MaxCoolDown > 0 && c.coolDown > c.cfg.MaxCoolDown {
			c.coolDown = c.cfg.MaxCoolDown
		}
		c.state = Open
		c.openTil = now.Add(c.coolDown)
		r.logger.Warn("circuit reopened",
			zap.String("service", c.service),
			zap.Duration("cool_down", c.coolDown))
	case Closed:
		if c.failures >= c.cfg.FailureThreshold {
			c.state = Open
			c.openTil = now.Add(c.coolDown)
			r.logger.Warn("circuit opened",
				zap.String("service", c.service),
				zap.Int("failures", c.failures),
				zap.Duration("cool_down", c.coolDown))
		}
	}
	r.checkpoint(ctx, c)
}

// recordSuccess closes the circuit and resets the cool-down ladder. Caller
// holds the lock.
func (r *Registry) recordSuccess(ctx context.Context, c *circuit) {
	wasOpenish := c.state != Closed
	c.state = Closed
	c.failures = 0
	c.probing = false
	c.coolDown = c.cfg.CoolDown
	c.openTil = time.Time{}
	if wasOpenish {
		r.logger.Info("circuit closed", zap.String("service", c.service))
		r.checkpoint(ctx, c)
	}
}

// checkpoint persists the circuit. Persistence failures are logged, not
// propagated: the in-memory circuit is still correct.
func (r *Registry) checkpoint(ctx context.Context, c *circuit) {
	if r.ckpt == nil {
		return
	}
	bs := &store.BreakerState{
		Service:             c.service,
		State:               string(c.state),
		ConsecutiveFailures: c.failures,
		CoolDownSeconds:     int(c.coolDown / time.Second),
	}
	if !c.lastFail.IsZero() {
		t := c.lastFail
		bs.LastFailureAt = &t
	}
	if !c.openTil.IsZero() {
		t := c.openTil
		bs.OpenUntil = &t
	}
	if err := r.ckpt.SaveBreakerState(ctx, bs); err != nil {
		r.logger.Error("failed to checkpoint breaker",
			zap.String("service", c.service), zap.Error(err))
	}
}

// Snapshot returns the current state of every known circuit, for the status
// surface.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.byName))
	for name, c := range r.byName {
		r.advance(c)
		out[name] = c.state
	}
	return out
}
