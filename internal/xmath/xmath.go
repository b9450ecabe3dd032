// Package xmath holds small generic numeric helpers. Its one caller is
// the skip-list eviction policy, which clamps a uint64 timestamp cutoff.
package xmath

import "golang.org/x/exp/constraints"

// Clamp restricts v to the closed interval [lo, hi].
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
