//go:build linux || darwin

package rlimit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const IsSupported = true

func Get() (Limit, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return Limit{}, fmt.Errorf("getrlimit: %w", err)
	}
	return Limit{Cur: rl.Cur, Max: rl.Max}, nil
}

// Raise lifts the soft limit to want, capped at the hard limit. It never
// lowers the limit. It returns the limit in effect afterwards.
func Raise(want uint64) (Limit, error) {
	cur, err := Get()
	if err != nil {
		return Limit{}, err
	}
	if cur.Cur >= want {
		return cur, nil
	}

	rl := unix.Rlimit{Cur: min(want, cur.Max), Max: cur.Max}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return cur, fmt.Errorf("setrlimit: %w", err)
	}
	return Get()
}
