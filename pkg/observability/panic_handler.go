package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with its stack trace.
// Must be called directly in a defer statement. The panic is not re-raised.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
	}
}

// RecoverPanicWithCallback is RecoverPanic followed by callback, which only
// runs when a panic was recovered.
func RecoverPanicWithCallback(logger *Logger, where string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
		if callback != nil {
			callback(r)
		}
	}
}

// MustRecover converts a recovered value into an error. Returns nil when r is nil.
//
//	defer func() {
//	    if perr := observability.MustRecover(recover()); perr != nil {
//	        err = perr
//	    }
//	}()
func MustRecover(r interface{}) error {
	if r == nil {
		return nil
	}
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}

func logPanic(logger *Logger, where string, r interface{}) {
	if logger == nil {
		return
	}
	logger.WithFields(map[string]interface{}{
		"panic":   fmt.Sprint(r),
		"stack":   string(debug.Stack()),
		"context": where,
	}).Error("PANIC recovered")
}
