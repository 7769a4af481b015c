package retry

import (
	"context"
	"log/slog"
)

// Listener observes a retry sequence. Listeners cannot alter control flow;
// a panicking listener is recovered and logged by the executor.
type Listener interface {
	// OnOpen runs after the context is opened or resumed, before the first attempt
	OnOpen(ctx context.Context, rc *Context)

	// OnError runs after each failed attempt has been registered
	OnError(ctx context.Context, rc *Context, err error)

	// OnClose runs when the call ends; err is nil on success
	OnClose(ctx context.Context, rc *Context, err error)
}

// BaseListener implements Listener with no-op methods.
// Embed it to implement only the callbacks you need.
type BaseListener struct{}

func (BaseListener) OnOpen(context.Context, *Context)         {}
func (BaseListener) OnError(context.Context, *Context, error) {}
func (BaseListener) OnClose(context.Context, *Context, error) {}

// ListenerFuncs builds a Listener from optional callbacks
type ListenerFuncs struct {
	Open  func(ctx context.Context, rc *Context)
	Error func(ctx context.Context, rc *Context, err error)
	Close func(ctx context.Context, rc *Context, err error)
}

func (l ListenerFuncs) OnOpen(ctx context.Context, rc *Context) {
	if l.Open != nil {
		l.Open(ctx, rc)
	}
}

func (l ListenerFuncs) OnError(ctx context.Context, rc *Context, err error) {
	if l.Error != nil {
		l.Error(ctx, rc, err)
	}
}

func (l ListenerFuncs) OnClose(ctx context.Context, rc *Context, err error) {
	if l.Close != nil {
		l.Close(ctx, rc, err)
	}
}

// LoggingListener logs retry events to a slog.Logger
type LoggingListener struct {
	logger *slog.Logger
}

// NewLoggingListener creates a logging listener; a nil logger uses slog.Default
func NewLoggingListener(logger *slog.Logger) *LoggingListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingListener{logger: logger}
}

// OnOpen handles sequence start events
func (l *LoggingListener) OnOpen(ctx context.Context, rc *Context) {
	l.logger.DebugContext(ctx, "retry sequence opened",
		"retry_id", rc.ID(),
		"retry_count", rc.RetryCount(),
	)
}

// OnError handles failed attempt events
func (l *LoggingListener) OnError(ctx context.Context, rc *Context, err error) {
	l.logger.WarnContext(ctx, "retry attempt failed",
		"retry_id", rc.ID(),
		"retry_count", rc.RetryCount(),
		"error", err,
	)
}

// OnClose handles sequence end events
func (l *LoggingListener) OnClose(ctx context.Context, rc *Context, err error) {
	if err != nil {
		l.logger.ErrorContext(ctx, "retry sequence failed",
			"retry_id", rc.ID(),
			"retry_count", rc.RetryCount(),
			"error", err,
		)
		return
	}
	l.logger.InfoContext(ctx, "retry sequence succeeded",
		"retry_id", rc.ID(),
		"retry_count", rc.RetryCount(),
	)
}
