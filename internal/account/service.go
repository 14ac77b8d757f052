/*
Package account composes the limit reader, usage sampler, and leak
registry into one queryable resource-accounting service.

The admission gate for new leak requests is not stored state: it is
re-derived from a fresh sample on every call, so there is no transition
bookkeeping to get stale.
*/
package account

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ushineko/fdleakd/internal/leak"
	"github.com/ushineko/fdleakd/internal/sampler"
)

// ErrResourceExhausted is returned by RequestLeak when current usage is
// already too close to the soft limit. The HTTP boundary maps it to 429.
var ErrResourceExhausted = errors.New("too close to file descriptor limit")

// Limits reads the process's descriptor ceilings. ok is false when the
// platform does not expose one.
type Limits interface {
	Read() (soft, hard uint64, ok bool)
}

// Sampler observes current descriptor usage.
type Sampler interface {
	Sample() sampler.Usage
}

// LimitsFunc adapts a function to the Limits interface.
type LimitsFunc func() (soft, hard uint64, ok bool)

// Read implements Limits.
func (f LimitsFunc) Read() (soft, hard uint64, ok bool) { return f() }

// Policy holds the usage ratios the service enforces against the soft
// limit. Both are fractions in (0, 1] with AlertRatio <= RejectRatio.
type Policy struct {
	// AlertRatio is the usage fraction above which the service logs a
	// warning.
	AlertRatio float64
	// RejectRatio is the usage fraction above which new leak requests
	// are refused outright.
	RejectRatio float64
}

// DefaultPolicy returns the standard thresholds: warn at 80% of the
// soft limit, refuse new leaks above 98%.
func DefaultPolicy() Policy {
	return Policy{AlertRatio: 0.8, RejectRatio: 0.98}
}

// Snapshot is a point-in-time view of descriptor accounting. It is
// recomputed on every query and never persisted. A snapshot is a
// momentary, unsynchronized observation: it may be torn relative to
// concurrent leak or cleanup activity, which is acceptable for a
// monitoring facility.
type Snapshot struct {
	Total int
	Files int
	Conns int

	SoftLimit  uint64
	HardLimit  uint64
	LimitKnown bool

	Leaked int

	// PctOfLimit is Total/SoftLimit; only meaningful when LimitKnown.
	PctOfLimit float64

	// Degraded is set when the usage numbers came from the sampler's
	// fixed fallback and are unreliable.
	Degraded bool
}

// Config holds the service's collaborators. Registry, Limits, and
// Sampler are required; the rest default sensibly.
type Config struct {
	Limits   Limits
	Sampler  Sampler
	Registry *leak.Registry
	Policy   Policy
	Logger   *slog.Logger
	// Clock drives deferred cleanup timers. Defaults to the real
	// clock; tests inject a mock.
	Clock clock.Clock
}

// Service is the resource-accounting service.
type Service struct {
	limits   Limits
	sampler  Sampler
	registry *leak.Registry
	policy   Policy
	logger   *slog.Logger
	clock    clock.Clock
}

// New creates a Service from cfg.
func New(cfg Config) *Service {
	policy := cfg.Policy
	if policy.AlertRatio <= 0 || policy.RejectRatio <= 0 {
		policy = DefaultPolicy()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Service{
		limits:   cfg.Limits,
		sampler:  cfg.Sampler,
		registry: cfg.Registry,
		policy:   policy,
		logger:   logger,
		clock:    clk,
	}
}

// Policy returns the thresholds the service enforces.
func (s *Service) Policy() Policy {
	return s.policy
}

// Snapshot composes limits, usage, and registry size into one value.
// It always succeeds; the components degrade internally rather than
// failing upward.
func (s *Service) Snapshot() Snapshot {
	u := s.sampler.Sample()
	soft, hard, ok := s.limits.Read()

	snap := Snapshot{
		Total:      u.Total,
		Files:      u.Files,
		Conns:      u.Conns,
		SoftLimit:  soft,
		HardLimit:  hard,
		LimitKnown: ok,
		Leaked:     s.registry.Size(),
		Degraded:   u.Degraded,
	}
	if ok && soft > 0 {
		snap.PctOfLimit = float64(u.Total) / float64(soft)
	}
	return snap
}

// RequestLeak checks the admission gate and, if open, opens and
// registers n unclosed handles. Returns the count created, which may
// be less than n (partial success is reported, not an error). When the
// gate is closed no handles are opened at all.
func (s *Service) RequestLeak(n int) (int, error) {
	u := s.sampler.Sample()

	if soft, _, ok := s.limits.Read(); ok {
		used := float64(u.Total)
		limit := float64(soft)
		if used > limit*s.policy.RejectRatio {
			s.logger.Warn("leak request refused, gate closed",
				"fd_count", u.Total,
				"soft_limit", soft,
				"requested", n,
			)
			return 0, fmt.Errorf("%w: %d/%d descriptors open", ErrResourceExhausted, u.Total, soft)
		}
		if used > limit*s.policy.AlertRatio {
			s.logger.Warn("descriptor usage approaching limit",
				"fd_count", u.Total,
				"soft_limit", soft,
				"pct", used/limit,
			)
		}
	}

	return s.registry.Leak(n), nil
}

// RequestCleanup closes registered handles. n < 0 drains the whole
// registry; otherwise the n most recently added handles are closed.
// Returns the count closed.
func (s *Service) RequestCleanup(n int) int {
	if n < 0 {
		return s.registry.CleanupAll()
	}
	return s.registry.CleanupN(n)
}

// Leaked returns the current number of registered leaked handles.
func (s *Service) Leaked() int {
	return s.registry.Size()
}

// ScheduleCleanup arranges for the n most recently added handles to be
// closed after delay, without blocking the caller. Failures during the
// deferred run are logged only; no caller is waiting by the time it
// executes. Ordering across deferred tasks is not guaranteed beyond
// each running no earlier than its own delay.
func (s *Service) ScheduleCleanup(n int, delay time.Duration) {
	s.logger.Info("scheduled deferred cleanup",
		"count", n,
		"delay", delay,
	)
	go func() {
		<-s.clock.After(delay)
		closed := s.registry.CleanupN(n)
		s.logger.Info("deferred cleanup finished",
			"requested", n,
			"closed", closed,
		)
	}()
}
