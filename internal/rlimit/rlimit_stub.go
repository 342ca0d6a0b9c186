//go:build !(linux || darwin)

package rlimit

import "errors"

const IsSupported = false

var errUnsupported = errors.New("file limits are only adjustable on linux and darwin")

func Get() (Limit, error) {
	return Limit{}, errUnsupported
}

func Raise(_ uint64) (Limit, error) {
	return Limit{}, errUnsupported
}
