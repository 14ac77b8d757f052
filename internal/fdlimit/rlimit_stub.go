//go:build !unix

package fdlimit

import (
	"fmt"
	"runtime"
)

// No per-process descriptor ceiling is exposed on this platform.
func readLimits() (soft, hard uint64, ok bool) {
	return 0, 0, false
}

func lowerLimit(uint64) (uint64, error) {
	return 0, fmt.Errorf("file descriptor limits not supported on %s", runtime.GOOS)
}

func raiseLimit(uint64) error {
	return fmt.Errorf("file descriptor limits not supported on %s", runtime.GOOS)
}
