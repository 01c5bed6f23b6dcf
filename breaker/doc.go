// Package breaker implements the per-backend circuit breaker that
// quarantines failing browser backends. Each breaker is a
// Closed/Open/HalfOpen state machine with consecutive-failure tripping,
// a recovery deadline, and a bounded number of trial calls while
// half-open. A Manager keys breakers by backend id and fans state
// transitions out to registered listeners.
package breaker
