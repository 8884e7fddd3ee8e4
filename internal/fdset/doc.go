// Package fdset owns the per-iteration descriptor aggregation container.
//
// Ownership boundary:
// - readable/writable descriptor lists with a declared capacity
// - max descriptor tracking for the readiness waiter
//
// A Set is rebuilt from empty on every loop iteration and never outlives it.
// Overflowing a list is a loud failure; nothing is silently truncated.
package fdset
