/*
Package fdlimit reads and adjusts the process's file descriptor ceilings.

The soft and hard RLIMIT_NOFILE values are exposed as plain numbers with
an "unknown" indicator rather than an error: platforms without a
per-process descriptor ceiling are a valid, permanent state that callers
must handle, not a failure.
*/
package fdlimit

// Read returns the current soft and hard ceiling on open file
// descriptors. ok is false when the platform does not expose a ceiling
// or the query fails; callers must treat that as "unknown", never as an
// error.
func Read() (soft, hard uint64, ok bool) {
	return readLimits()
}

// Lower reduces the process's own soft limit to min(current soft, n),
// making descriptor exhaustion reachable quickly for demonstrations.
// Returns the resulting soft limit.
func Lower(n uint64) (uint64, error) {
	return lowerLimit(n)
}

// Raise attempts to raise the soft limit to at least n, bounded by the
// hard limit. Used by load-generating clients so the client process
// does not exhaust itself before the server does.
func Raise(n uint64) error {
	return raiseLimit(n)
}
