//go:build !unix

package sampler

// dup(2) is unavailable; the probe always falls through.
type dupProbe struct{}

func (dupProbe) name() string { return "dup-probe" }

func (dupProbe) trySample() (Usage, bool) {
	return Usage{}, false
}
