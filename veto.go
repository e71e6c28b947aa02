// Package veto is the public API for embedding the veto governance server.
//
// A producer deployment imports this package to construct the governor,
// register execution handlers for its action types, and run it:
//
//	app, err := veto.New(
//	    veto.WithVersion(version),
//	    veto.WithLogger(logger),
//	    veto.WithHandler("dca_buy", buyHandler),
//	    veto.WithRollbackHandler("dca_buy", sellHandler),
//	    veto.WithEventHook(myHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: veto (root) imports
// internal/*, but internal/* never imports veto (root). Public types
// (Action, Checkpoint, Event) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package veto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/vetohq/veto/internal/audit"
	"github.com/vetohq/veto/internal/auth"
	"github.com/vetohq/veto/internal/boundary"
	"github.com/vetohq/veto/internal/config"
	"github.com/vetohq/veto/internal/engine"
	"github.com/vetohq/veto/internal/executor"
	"github.com/vetohq/veto/internal/mcp"
	"github.com/vetohq/veto/internal/model"
	"github.com/vetohq/veto/internal/notify"
	"github.com/vetohq/veto/internal/queue"
	"github.com/vetohq/veto/internal/ratelimit"
	"github.com/vetohq/veto/internal/risk"
	"github.com/vetohq/veto/internal/rollback"
	"github.com/vetohq/veto/internal/route"
	"github.com/vetohq/veto/internal/server"
	"github.com/vetohq/veto/internal/storage"
	"github.com/vetohq/veto/internal/telemetry"
)

// App is the veto server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	eng          *engine.Engine
	srv          *server.Server
	broker       *server.Broker
	bus          *notify.Bus
	auditLog     *audit.Logger
	limiter      ratelimit.Limiter
	archiveClose func()
	otelShutdown func(context.Context) error
	eventHooks   []EventHook
	logger       *slog.Logger
	version      string
}

// New initialises the veto server. It loads configuration, connects the
// audit archive, restores the hash chain, and wires all subsystems into a
// ready-to-run App. It does NOT start any goroutines or accept HTTP
// connections — call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.autonomy != 0 {
		cfg.Autonomy = o.autonomy
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("veto starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Select the audit archive backend.
	var archive audit.Archive
	var archiveClose func()
	archiveName := "memory"
	switch {
	case cfg.DatabaseURL != "":
		pg, pgErr := storage.NewPostgres(context.Background(), cfg.DatabaseURL, logger)
		if pgErr != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", pgErr)
		}
		archive = pg
		archiveClose = pg.Close
		archiveName = "postgres"
	case cfg.SQLitePath != "":
		sq, sqErr := storage.NewSQLite(cfg.SQLitePath, logger)
		if sqErr != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", sqErr)
		}
		archive = sq
		archiveClose = func() { _ = sq.Close() }
		archiveName = "sqlite"
	default:
		logger.Warn("audit archive: memory only — entries beyond the window are lost on restart")
	}

	fail := func(err error) (*App, error) {
		if archiveClose != nil {
			archiveClose()
		}
		_ = otelShutdown(context.Background())
		return nil, err
	}

	// Audit chain, re-anchored from the archive when one is configured.
	auditLog := audit.NewLogger(audit.Config{
		Archive:   archive,
		Window:    cfg.AuditWindow,
		Retention: cfg.AuditRetention,
		Logger:    logger,
	})
	if archive != nil {
		if err := auditLog.Restore(context.Background()); err != nil {
			return fail(fmt.Errorf("audit restore: %w", err))
		}
		logger.Info("audit chain restored", "archive", archiveName, "entries", auditLog.Len(), "head", auditLog.Head())
	}

	// Event bus.
	bus := notify.NewBus(logger)

	// Rollback manager and executor, with producer handlers attached.
	rb := rollback.NewManager(rollback.Config{
		TTL:      cfg.CheckpointTTL,
		Capacity: cfg.CheckpointCapacity,
		Logger:   logger,
	})
	for actionType, h := range o.rollbackHandlers {
		h := h
		rb.RegisterHandler(actionType, func(ctx context.Context, cp model.Checkpoint) error {
			return h(ctx, toPublicCheckpoint(cp))
		})
	}

	exec := executor.New(executor.Config{
		Rollback:            rb,
		MaxConcurrent:       cfg.ExecMaxConcurrent,
		HourlyCap:           cfg.ExecHourlyCap,
		Cooldown:            cfg.ExecCooldown,
		DisableAutoRollback: cfg.DisableAutoRollback,
		Logger:              logger,
	})
	for actionType, h := range o.handlers {
		h := h
		exec.RegisterHandler(actionType, func(ctx context.Context, a model.Action) (string, error) {
			return h(ctx, toPublicAction(a))
		})
	}

	// Approval queue and governance engine.
	q := queue.New(queue.Config{
		MaxPending:    cfg.QueueMaxPending,
		EscalateAfter: cfg.QueueEscalateAfter,
		ExpireAfter:   cfg.QueueExpireAfter,
		Bus:           bus,
		Logger:        logger,
	})
	eng, err := engine.New(engine.Config{
		Classifier:         risk.New(cfg.AlwaysRequireApproval),
		Checker:            boundary.New(cfg.Boundaries(), nil),
		Router:             route.New(nil),
		Queue:              q,
		Executor:           exec,
		Rollback:           rb,
		Audit:              auditLog,
		Bus:                bus,
		Autonomy:           model.AutonomyLevel(cfg.Autonomy),
		HighValueThreshold: cfg.HighValueThreshold,
		Logger:             logger,
	})
	if err != nil {
		return fail(fmt.Errorf("engine: %w", err))
	}

	// Create JWT manager and API keyring.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}
	keyring, err := auth.NewKeyring(cfg.AdminAPIKey, cfg.ProducerAPIKey)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}
	if !keyring.Enabled() {
		logger.Warn("authentication disabled — no API keys configured, every request is admin")
	}

	// MCP server.
	mcpSrv := mcp.New(eng, logger, version)

	// SSE broker.
	broker := server.NewBroker(bus, logger)

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Create HTTP server.
	srv := server.New(server.Config{
		Engine:              eng,
		JWTMgr:              jwtMgr,
		Keyring:             keyring,
		Logger:              logger,
		Broker:              broker,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		Archive:             archiveName,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		TrustProxy:          cfg.TrustProxy,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
	})

	return &App{
		cfg:          cfg,
		eng:          eng,
		srv:          srv,
		broker:       broker,
		bus:          bus,
		auditLog:     auditLog,
		limiter:      limiter,
		archiveClose: archiveClose,
		otelShutdown: otelShutdown,
		eventHooks:   o.eventHooks,
		logger:       logger,
		version:      version,
	}, nil
}

// Engine exposes the governance engine for embedded use: adjusting
// autonomy, reading the audit chain, or reviewing approvals without going
// through HTTP.
func (a *App) Engine() *engine.Engine { return a.eng }

// Submit runs one produced action through the governance pipeline
// in-process. Equivalent to POST /v1/actions without the HTTP round trip.
func (a *App) Submit(ctx context.Context, action Action) (*engine.Submission, error) {
	return a.eng.Submit(ctx, toInternalAction(action))
}

// Handler returns the fully wired HTTP handler, for mounting the API under
// an existing server or in tests.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Run starts the SSE broker, the event hook dispatcher, the audit
// retention loop, and the HTTP server, then blocks until ctx is cancelled
// or a fatal server error occurs. On return, Shutdown is called
// automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.broker.Start(runCtx)
		return nil
	})
	if len(a.eventHooks) > 0 {
		g.Go(func() error {
			a.dispatchHooks(runCtx)
			return nil
		})
	}
	g.Go(func() error {
		a.pruneLoop(runCtx)
		return nil
	})
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Block until signal or fatal server error; the errgroup context tears
	// the background loops down either way.
	<-runCtx.Done()
	shutdownErr := a.Shutdown(context.Background())
	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

// pruneLoop trims archived audit entries past the retention period once a
// day. Memory-only deployments have nothing to prune.
func (a *App) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, time.Minute)
			n, err := a.auditLog.Prune(opCtx)
			cancel()
			if err != nil {
				a.logger.Warn("audit prune failed", "error", err)
			} else if n > 0 {
				a.logger.Info("audit entries pruned", "count", n)
			}
		}
	}
}

// Shutdown performs a graceful shutdown: stop accepting HTTP requests and
// drain in-flight, close the event bus, then release the archive, limiter,
// and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("veto shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	a.bus.Close()
	_ = a.limiter.Close()
	if a.archiveClose != nil {
		a.archiveClose()
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("veto stopped", "audit_entries", a.auditLog.Len(), "audit_head", a.auditLog.Head())
	return nil
}

// dispatchHooks fans bus events out to the registered EventHooks until ctx
// is cancelled. Hook errors are logged, never propagated.
func (a *App) dispatchHooks(ctx context.Context) {
	sub := a.bus.Subscribe(256)
	defer a.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			pub := toPublicEvent(ev)
			for _, h := range a.eventHooks {
				if err := h.OnEvent(ctx, pub); err != nil {
					a.logger.Warn("event hook failed", "kind", pub.Kind, "action_id", pub.ActionID, "error", err)
				}
			}
		}
	}
}

// ── Public/internal conversions ───────────────────────────────────────────────

func toInternalAction(a Action) model.Action {
	return model.Action{
		ID:          a.ID,
		Engine:      a.Engine,
		Category:    model.Category(a.Category),
		Type:        a.Type,
		Description: a.Description,
		Params:      a.Params,
		Metadata: model.ActionMetadata{
			EstimatedValue: a.EstimatedValue,
			Reversible:     a.Reversible,
			Urgency:        model.Urgency(a.Urgency),
			Dependencies:   a.Dependencies,
			LinesChanged:   a.LinesChanged,
			FilesChanged:   a.FilesChanged,
		},
		Timestamp: a.Timestamp,
	}
}

func toPublicAction(a model.Action) Action {
	return Action{
		ID:             a.ID,
		Engine:         a.Engine,
		Category:       Category(a.Category),
		Type:           a.Type,
		Description:    a.Description,
		Params:         a.Params,
		EstimatedValue: a.Metadata.EstimatedValue,
		Reversible:     a.Metadata.Reversible,
		Urgency:        Urgency(a.Metadata.Urgency),
		Dependencies:   a.Metadata.Dependencies,
		LinesChanged:   a.Metadata.LinesChanged,
		FilesChanged:   a.Metadata.FilesChanged,
		Timestamp:      a.Timestamp,
	}
}

func toPublicCheckpoint(cp model.Checkpoint) Checkpoint {
	return Checkpoint{
		ID:         cp.ID,
		ActionID:   cp.ActionID,
		DecisionID: cp.DecisionID,
		ActionType: cp.State.ActionType,
		Category:   Category(cp.State.Category),
		Params:     cp.State.Params,
		CreatedAt:  cp.CreatedAt,
	}
}

func toPublicEvent(ev notify.Event) Event {
	return Event{
		Kind:       string(ev.Kind),
		Time:       ev.Time,
		ActionID:   ev.ActionID,
		DecisionID: ev.DecisionID,
		Data:       ev.Data,
	}
}
