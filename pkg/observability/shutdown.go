package observability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

// ShutdownManager runs registered cleanup hooks in reverse registration order
type ShutdownManager struct {
	logger  *Logger
	timeout time.Duration

	mu    sync.Mutex
	names []string
	funcs []ShutdownFunc
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(logger *Logger, timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{logger: logger, timeout: timeout}
}

// Register adds a named hook
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.names = append(sm.names, name)
	sm.funcs = append(sm.funcs, fn)
}

// Shutdown runs every hook, last registered first, within the configured
// timeout. All hooks run even when one fails.
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sm.timeout)
	defer cancel()

	sm.mu.Lock()
	names := append([]string(nil), sm.names...)
	funcs := append([]ShutdownFunc(nil), sm.funcs...)
	sm.mu.Unlock()

	var errs []error
	for i := len(funcs) - 1; i >= 0; i-- {
		log := sm.logger.WithField("hook", names[i])
		if err := funcs[i](ctx); err != nil {
			log.WithError(err).Error("Shutdown hook failed")
			errs = append(errs, fmt.Errorf("%s: %w", names[i], err))
			continue
		}
		log.Debug("Shutdown hook complete")
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	sm.logger.Info("Graceful shutdown complete")
	return nil
}
