// Package utils holds query-parameter helpers shared by the HTTP handlers.
package utils

import "strconv"

// AtoiDefault parses s, falling back to def when s is empty or not a
// base-10 integer.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ClampInt bounds n to [lo, hi].
func ClampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// QueryInt parses a query value with AtoiDefault and clamps it to [lo, hi].
// Handlers use it for limit and day-count parameters.
func QueryInt(s string, def, lo, hi int) int {
	return ClampInt(AtoiDefault(s, def), lo, hi)
}
