// Package log defines the structured logging facade used across the
// dispatch core. Implementations live elsewhere (see the zap package);
// components depend only on the Logger interface so tests can run with
// the no-op logger.
package log
