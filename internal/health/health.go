// Package health runs named dependency checks for the /health endpoint.
// Required checks decide whether the process is healthy; optional ones
// (a single chain's RPC node) only mark it degraded.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status is the outcome of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Optional  bool   `json:"optional,omitempty"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Checker checks one dependency. It should honour ctx.
type Checker func(ctx context.Context) Status

// Report aggregates one run of every check.
type Report struct {
	Healthy  bool     `json:"healthy"`
	Degraded bool     `json:"degraded"`
	Checks   []Status `json:"checks"`
}

// Option tunes a registered check.
type Option func(*entry)

// Optional marks a check whose failure degrades the service without
// failing it.
func Optional() Option {
	return func(e *entry) { e.optional = true }
}

type entry struct {
	name     string
	check    Checker
	optional bool
}

// Registry holds checks in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	timeout time.Duration
}

// NewRegistry creates a registry whose checks each get 5s.
func NewRegistry() *Registry {
	return &Registry{timeout: 5 * time.Second}
}

// SetTimeout changes the per-check deadline.
func (r *Registry) SetTimeout(d time.Duration) {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// Register adds a check under name.
func (r *Registry) Register(name string, check Checker, opts ...Option) {
	e := entry{name: name, check: check}
	for _, opt := range opts {
		opt(&e)
	}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// Check runs every check concurrently, each under its own deadline, and
// returns results in registration order. A panicking check counts as
// failed.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses := make([]Status, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = run(ctx, e, timeout)
		}()
	}
	wg.Wait()

	rep := Report{Healthy: true, Checks: statuses}
	for _, s := range statuses {
		switch {
		case s.Healthy:
		case s.Optional:
			rep.Degraded = true
		default:
			rep.Healthy = false
		}
	}
	return rep
}

func run(ctx context.Context, e entry, timeout time.Duration) (s Status) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s = Status{Detail: fmt.Sprintf("check panicked: %v", r)}
		}
		s.Name = e.name
		s.Optional = e.optional
		s.LatencyMs = time.Since(start).Milliseconds()
	}()
	return e.check(ctx)
}
