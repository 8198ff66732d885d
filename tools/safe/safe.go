package safe

import (
	"chatfleet/logger"
	"chatfleet/tools/errs"

	"go.uber.org/zap"
)

// Go starts f in a goroutine that recovers and logs panics.
func Go(name string, f func()) {
	go Run(name, f)
}

// Run executes f in the caller's goroutine with the same recovery.
// It reports whether f returned without panicking.
func Run(name string, f func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[safe] panic recovered", zap.String("task", name), zap.Error(errs.ErrPanic(r)))
			ok = false
		}
	}()
	f()
	return true
}
