//go:build !linux && !darwin

package sampler

// No descriptor-table directory on this platform; the chain starts at
// the dup probe.
func platformStrategies() []strategy {
	return nil
}
