// Package safego runs background goroutines whose panics must not take the
// whole gateway down. Long-lived loops (session eviction, credential file
// watching) go through here instead of a bare go statement.
package safego

import "go.uber.org/zap"

// Go runs fn on its own goroutine. A panic inside fn is logged under the
// given task name, with the recovered value and stack, and the goroutine
// exits; the process keeps serving.
func Go(log *zap.Logger, task string, fn func()) {
	go func() {
		defer func() {
			if v := recover(); v != nil {
				log.Error("Background task panicked",
					zap.String("task", task),
					zap.Any("panic_value", v),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}
