// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package utils

import "golang.org/x/exp/constraints"

// Sum adds the values returned by f for each item.
func Sum[T any, N constraints.Integer](items []T, f func(T) N) (sum N) {
	for _, item := range items {
		sum += f(item)
	}
	return
}

// SafeSub returns a - b, or zero if b > a.
func SafeSub[I constraints.Unsigned](a, b I) I {
	if b > a {
		return 0
	}
	return a - b
}

// Filter returns the items for which keep returns true.
func Filter[T any](items []T, keep func(T) bool) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if keep(item) {
			out = append(out, item)
		}
	}
	return out
}
