package veto

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port             int
	databaseURL      string
	sqlitePath       string
	logger           *slog.Logger
	version          string
	autonomy         int
	handlers         map[string]Handler
	rollbackHandlers map[string]RollbackHandler
	eventHooks       []EventHook
}

// WithPort overrides the TCP port from config (VETO_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres audit archive DSN from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath overrides the SQLite audit archive path from config
// (VETO_SQLITE_PATH env var). Mutually exclusive with WithDatabaseURL.
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithAutonomy overrides the starting autonomy level (1-4) from config
// (VETO_AUTONOMY_LEVEL env var).
func WithAutonomy(level int) Option {
	return func(o *resolvedOptions) { o.autonomy = level }
}

// WithHandler registers the execution handler for an action type.
// Actions of a type with no registered handler are rejected at execution
// time. Registering the same type twice keeps the last handler.
func WithHandler(actionType string, h Handler) Option {
	return func(o *resolvedOptions) {
		if o.handlers == nil {
			o.handlers = make(map[string]Handler)
		}
		o.handlers[actionType] = h
	}
}

// WithRollbackHandler registers the rollback handler for an action type.
func WithRollbackHandler(actionType string, h RollbackHandler) Option {
	return func(o *resolvedOptions) {
		if o.rollbackHandlers == nil {
			o.rollbackHandlers = make(map[string]RollbackHandler)
		}
		o.rollbackHandlers[actionType] = h
	}
}

// WithEventHook registers an event hook to receive governance lifecycle
// notifications. Multiple hooks may be registered; all registered hooks
// receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}
