// Package errgroup manages groups of goroutines with shared cancellation
// and panic containment. Health probes and pool cleanup fan out through
// it so one panicking member cannot crash the process.
package errgroup
