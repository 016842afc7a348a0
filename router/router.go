// Package router runs the server-side event-handler loop: a
// long-running consumer of the chansock receive channel that dispatches
// each message to an application handler with error isolation, so a
// panicking handler never kills the loop.
package router

import (
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/chansock/chansock/server"
)

// Handler processes one received event message.
type Handler func(m *server.EventMsg)

// ErrorHandler is notified of a recovered handler panic.
type ErrorHandler func(recovered any, m *server.EventMsg)

// Options tune the router loop.
type Options struct {
	// ErrorHandler receives recovered handler panics. nil logs them.
	ErrorHandler ErrorHandler

	// GoHandlers runs each handler invocation in its own goroutine so a
	// blocking handler does not starve the consumer.
	GoHandlers bool

	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Router consumes a receive channel until stopped or the channel
// closes.
type Router struct {
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New starts a router over ch. Call [Router.Stop] to terminate it.
func New(ch <-chan *server.EventMsg, h Handler, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	invoke := func(m *server.EventMsg) {
		defer func() {
			if rec := recover(); rec != nil {
				reportError(logger, opts.ErrorHandler, rec, m)
			}
		}()
		h(m)
	}

	go func() {
		defer close(r.done)
		for {
			select {
			case <-r.stop:
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				if opts.GoHandlers {
					go invoke(m)
				} else {
					invoke(m)
				}
			}
		}
	}()
	return r
}

// Stop terminates the loop. Idempotent; returns after the loop has
// exited (pending GoHandlers goroutines may still be running).
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// reportError hands a recovered panic to the error handler, itself
// guarded so a panicking error handler cannot kill the loop either.
func reportError(logger *slog.Logger, eh ErrorHandler, recovered any, m *server.EventMsg) {
	if eh == nil {
		logger.Error("router: event handler panicked",
			slog.Any("panic", recovered),
			slog.String("event", string(m.Event.ID)),
			slog.String("stack", string(debug.Stack())))
		return
	}
	defer func() {
		if rec2 := recover(); rec2 != nil {
			logger.Error("router: error handler panicked",
				slog.Any("panic", rec2))
		}
	}()
	eh(recovered, m)
}
