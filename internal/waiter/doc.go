// Package waiter blocks until a descriptor set has activity.
//
// The wait has no timeout. Failures are split into benign interruptions,
// which the caller retries against the same set, and fatal errors, which end
// the session loop.
package waiter
