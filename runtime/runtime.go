// Package runtime provides panic containment helpers for background
// goroutines. A panicking sweep or probe loop must never take down the
// dispatcher process; it is recovered, logged and reported.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/steveteneriello/browserless/log"
)

// HandlePanicValue logs a recovered panic value with its stack trace.
// It is safe to call with a nil logger.
func HandlePanicValue(ctx context.Context, logger log.Logger, recovered any, component, operation string) {
	if logger == nil {
		return
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("component", component),
		log.String("operation", operation),
		log.String("panic", log.Sanitize(fmt.Sprintf("%v", recovered))),
		log.String("stack", string(debug.Stack())),
	)
}

// SafeGo runs fn in a new goroutine, recovering and logging any panic.
// The goroutine exits after recovery; callers that need the work to
// continue must restart it themselves.
func SafeGo(ctx context.Context, logger log.Logger, component, operation string, fn func(context.Context)) {
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				HandlePanicValue(ctx, logger, recovered, component, operation)
			}
		}()

		fn(ctx)
	}()
}

// Recover is a deferred helper for goroutines that manage their own
// lifecycle:
//
//	defer runtime.Recover(ctx, logger, "pool", "idle_sweep")
func Recover(ctx context.Context, logger log.Logger, component, operation string) {
	if recovered := recover(); recovered != nil {
		HandlePanicValue(ctx, logger, recovered, component, operation)
	}
}
