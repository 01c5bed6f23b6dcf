// Package balancer owns the backend registry and picks one backend per
// dispatch using a pluggable selection strategy. Every dispatch runs
// through the selected backend's circuit breaker; a periodic health loop
// probes all backends concurrently and feeds the eligibility predicate.
// The health flag governs eligibility, the breaker governs call
// admission, and both are enforced on every dispatch.
package balancer
