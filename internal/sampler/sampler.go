/*
Package sampler counts the open file descriptors of the running process.

No single portable mechanism exists for this, so the sampler walks an
ordered chain of platform strategies and returns the first that
succeeds. Sampling never fails upward: when every strategy falls
through, a conservative fixed estimate is reported and flagged so
downstream consumers know the number is unreliable.
*/
package sampler

import "log/slog"

// Usage is a point-in-time observation of descriptor usage.
type Usage struct {
	// Total is the number of open descriptors.
	Total int
	// Files and Conns split Total into plain files and network
	// connections. Strategies that cannot classify report everything
	// under Files with Conns zero.
	Files int
	Conns int
	// Degraded is set when no accurate counting method was available
	// and Total is a fixed estimate.
	Degraded bool
}

// fallbackEstimate is reported when every sampling strategy fails.
// Deliberately non-zero so real exhaustion is never masked by a zero
// reading.
const fallbackEstimate = 50

// strategy is one way of counting open descriptors. trySample returns
// false when the method is unavailable or failed, which moves the
// chain on to the next strategy.
type strategy interface {
	name() string
	trySample() (Usage, bool)
}

// Sampler counts open descriptors via an ordered strategy chain.
type Sampler struct {
	logger     *slog.Logger
	strategies []strategy
}

// New returns a Sampler with the platform's strategy chain, most
// accurate first, ending with the dup-probe estimator.
func New(logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		logger:     logger,
		strategies: append(platformStrategies(), dupProbe{}),
	}
}

// Sample returns the current descriptor usage. It never fails: if all
// strategies are exhausted the fixed estimate is returned with the
// Degraded flag set.
func (s *Sampler) Sample() Usage {
	for _, st := range s.strategies {
		if u, ok := st.trySample(); ok {
			s.logger.Debug("sampled descriptor usage",
				"method", st.name(),
				"total", u.Total,
				"files", u.Files,
				"conns", u.Conns,
			)
			return u
		}
	}

	s.logger.Warn("all descriptor counting methods failed, reporting fixed estimate",
		"estimate", fallbackEstimate,
	)
	return Usage{Total: fallbackEstimate, Files: fallbackEstimate, Degraded: true}
}
