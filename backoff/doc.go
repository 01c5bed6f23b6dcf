// Package backoff provides exponential backoff utilities with jitter
// support for worker launch retries and queue retry scheduling.
package backoff
