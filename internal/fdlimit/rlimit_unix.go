//go:build unix

package fdlimit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func readLimits() (soft, hard uint64, ok bool) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, 0, false
	}
	return rl.Cur, rl.Max, true
}

func lowerLimit(n uint64) (uint64, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, fmt.Errorf("getrlimit: %w", err)
	}

	if rl.Cur <= n {
		return rl.Cur, nil
	}

	rl.Cur = n
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, fmt.Errorf("setrlimit: %w", err)
	}
	return rl.Cur, nil
}

func raiseLimit(n uint64) error {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return fmt.Errorf("getrlimit: %w", err)
	}

	if rl.Cur >= n {
		return nil
	}
	if rl.Max < n {
		return fmt.Errorf("cannot raise fd limit to %d: above hard limit %d", n, rl.Max)
	}

	rl.Cur = n
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return fmt.Errorf("setrlimit: %w", err)
	}

	// Re-read to confirm the kernel honored the request.
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return fmt.Errorf("getrlimit: %w", err)
	}
	if rl.Cur < n {
		return fmt.Errorf("raising fd limit to %d did not take effect (still %d)", n, rl.Cur)
	}
	return nil
}
