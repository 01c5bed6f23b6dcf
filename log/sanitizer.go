package log

import (
	"context"
	"fmt"
	"strings"
)

// controlCharReplacer escapes control characters that can be used for log
// injection (CWE-117). Newlines and tabs in attacker-controlled values
// (page URLs, script payloads) can forge fake log entries.
var controlCharReplacer = strings.NewReplacer(
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// Sanitize escapes control characters in a single string value.
func Sanitize(s string) string {
	return controlCharReplacer.Replace(s)
}

// SafeError logs errors with production-aware sanitization. When
// production is true only the error type is logged, keeping payload
// contents (which may embed user URLs and scripts) out of log storage.
func SafeError(logger Logger, ctx context.Context, msg string, err error, production bool) {
	if logger == nil || err == nil {
		return
	}

	if !logger.Enabled(LevelError) {
		return
	}

	if production {
		logger.Log(ctx, LevelError, msg, String("error_type", fmt.Sprintf("%T", err)))
		return
	}

	logger.Log(ctx, LevelError, msg, Err(err))
}
