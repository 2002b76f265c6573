// Package shutdown turns SIGINT/SIGTERM into context cancellation and runs
// registered cleanup once.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/logger"
)

// Handler manages graceful shutdown of a command
type Handler struct {
	mu            sync.Mutex
	shutdownFuncs []func(context.Context) error
	once          sync.Once
	signals       chan os.Signal
	logger        *logger.Logger
	timeout       time.Duration
}

func NewHandler(log *logger.Logger, timeout time.Duration) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handler{
		signals: make(chan os.Signal, 1),
		logger:  log.WithComponent("shutdown"),
		timeout: timeout,
	}
}

// RegisterShutdownFunc registers a function to be called during shutdown.
// Functions run in reverse registration order.
func (h *Handler) RegisterShutdownFunc(fn func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdownFuncs = append(h.shutdownFuncs, fn)
}

// NotifyContext returns a context cancelled on the first SIGINT or SIGTERM.
// onSignal, when set, runs before cancellation. stop releases the signal
// subscription.
func (h *Handler) NotifyContext(parent context.Context, onSignal func(os.Signal)) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	signal.Notify(h.signals, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-h.signals:
			h.logger.Infow("Received signal, stopping", "signal", sig.String())
			if onSignal != nil {
				onSignal(sig)
			}
			cancel()
		case <-ctx.Done():
		case <-done:
		}
	}()

	var stopOnce sync.Once
	return ctx, func() {
		stopOnce.Do(func() {
			signal.Stop(h.signals)
			close(done)
			cancel()
		})
	}
}

// Shutdown runs the registered functions once, bounded by the handler
// timeout. Later calls return nil.
func (h *Handler) Shutdown(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
		defer cancel()

		h.mu.Lock()
		funcs := append([]func(context.Context) error(nil), h.shutdownFuncs...)
		h.mu.Unlock()

		finished := make(chan error, 1)
		go func() {
			var errs []error
			for i := len(funcs) - 1; i >= 0; i-- {
				if ferr := funcs[i](ctx); ferr != nil {
					h.logger.Errorw("Error during shutdown", "error", ferr)
					errs = append(errs, ferr)
				}
			}
			finished <- errors.Join(errs...)
		}()

		select {
		case err = <-finished:
		case <-ctx.Done():
			err = fmt.Errorf("shutdown timeout after %v", h.timeout)
		}
	})
	return err
}
