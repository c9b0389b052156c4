// Package runtime provides panic-safe goroutine helpers used by
// long-running eventflow loops.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/nexolith/eventflow/log"
)

// RestartPolicy controls what SafeGo does after recovering from a panic.
type RestartPolicy int

const (
	// KeepRunning logs the panic and lets the goroutine exit.
	KeepRunning RestartPolicy = iota
	// Restart logs the panic and re-invokes the function.
	Restart
)

// SafeGo runs fn in a goroutine, recovering and logging panics instead of
// crashing the process. With Restart the function is re-invoked after a
// recovered panic; a second panic is terminal for the goroutine.
func SafeGo(logger log.Logger, name string, policy RestartPolicy, fn func()) {
	if fn == nil {
		return
	}

	go func() {
		if runProtected(logger, name, fn) && policy == Restart {
			runProtected(logger, name, fn)
		}
	}()
}

// RecoverAndLogWithContext converts a panic into an error log entry.
// Intended for use as a deferred call at the top of loop bodies.
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, operation string) {
	recovered := recover()
	if recovered == nil {
		return
	}

	if logger == nil {
		logger = log.NewNop()
	}

	logger.Log(ctx, log.LevelError, "recovered from panic",
		log.String("component", component),
		log.String("operation", operation),
		log.String("panic", fmt.Sprintf("%v", recovered)),
		log.String("stack", string(debug.Stack())),
	)
}

// runProtected executes fn and reports whether a panic was recovered.
func runProtected(logger log.Logger, name string, fn func()) (panicked bool) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}

		panicked = true

		if logger == nil {
			logger = log.NewNop()
		}

		logger.Log(context.Background(), log.LevelError, "goroutine panic recovered",
			log.String("goroutine", name),
			log.String("panic", fmt.Sprintf("%v", recovered)),
			log.String("stack", string(debug.Stack())),
		)
	}()

	fn()

	return false
}
