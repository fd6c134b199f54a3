// Package circuitbreaker fails calls fast while a keyed dependency keeps
// erroring. Each key moves closed -> open after a run of failures, waits out
// a cooldown, then lets exactly one trial call through (half-open) before closing
// again or reopening.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do without calling fn while the key's circuit is open.
var ErrOpen = errors.New("circuit open")

// State is the position of a single key's circuit.
type State uint8

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// TransitionFunc observes a key's state change. It runs with the breaker
// lock held and must not call back into the breaker.
type TransitionFunc func(key string, from, to State)

type circuit struct {
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// Breaker holds an independent circuit per key.
type Breaker struct {
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	onTransition TransitionFunc

	mu       sync.Mutex
	circuits map[string]*circuit
}

// Option configures a Breaker.
type Option func(*Breaker)

// Threshold sets how many consecutive failures open a circuit (default 5).
func Threshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// Cooldown sets how long a circuit stays open before probing (default 30s).
func Cooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// Clock replaces time.Now.
func Clock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// OnTransition registers a state change observer.
func OnTransition(fn TransitionFunc) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// New creates a Breaker.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		threshold: 5,
		cooldown:  30 * time.Second,
		now:       time.Now,
		circuits:  make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Do runs fn under key's circuit. Errors caused by ctx ending are passed
// through without counting as failures.
func (b *Breaker) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	if !b.acquire(key) {
		return ErrOpen
	}
	err := fn(ctx)
	b.release(key, err, ctx.Err() != nil && errors.Is(err, ctx.Err()))
	return err
}

// State returns key's current state. Keys never seen are Closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return Closed
}

func (b *Breaker) acquire(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(key)
	switch c.state {
	case Open:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.move(key, c, HalfOpen)
		c.probing = true
		return true
	case HalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	}
	return true
}

func (b *Breaker) release(key string, err error, cancelled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(key)
	if c.state == HalfOpen {
		c.probing = false
	}
	switch {
	case cancelled:
	case err == nil:
		c.failures = 0
		b.move(key, c, Closed)
	case c.state == HalfOpen:
		b.trip(key, c)
	default:
		c.failures++
		if c.state == Closed && c.failures >= b.threshold {
			b.trip(key, c)
		}
	}
}

// Callers hold b.mu.
func (b *Breaker) circuit(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	return c
}

func (b *Breaker) trip(key string, c *circuit) {
	c.openedAt = b.now()
	b.move(key, c, Open)
}

func (b *Breaker) move(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if b.onTransition != nil {
		b.onTransition(key, from, to)
	}
}
