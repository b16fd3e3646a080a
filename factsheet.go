// Package factsheet is the public API for embedding the live fact sheet
// engine: a deterministic conflict-resolution and merge pipeline that keeps
// a structured per-subject profile up to date from conversational text
// (observe) or trusted direct writes (patch), behind an HTTP and MCP
// surface.
//
// Callers import this package to construct and run a server without
// forking it:
//
//	schema := factsheet.Schema{
//	    Fields: map[string]factsheet.Field{
//	        "name": factsheet.Nullable(factsheet.String()),
//	        "role": factsheet.Nullable(factsheet.String()),
//	    },
//	}
//	app, err := factsheet.New(schema, factsheet.DefaultPolicy(),
//	    factsheet.WithVersion(version),
//	    factsheet.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: factsheet (root)
// imports internal/*, but internal/* never imports factsheet (root).
// Public types (Field, Schema, Event, ...) are standalone, with conversion
// helpers living in this package and schema.go because these are the only
// files that see both sides of the boundary.
package factsheet

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/lumenic/factsheet/internal/auth"
	"github.com/lumenic/factsheet/internal/config"
	"github.com/lumenic/factsheet/internal/extractor"
	"github.com/lumenic/factsheet/internal/mcp"
	"github.com/lumenic/factsheet/internal/orchestrator"
	"github.com/lumenic/factsheet/internal/server"
	"github.com/lumenic/factsheet/internal/storage"
	"github.com/lumenic/factsheet/internal/telemetry"
	"github.com/lumenic/factsheet/migrations"
)

// App is the fact sheet engine's server lifecycle. Construct with New(),
// run with Run(). App has no public fields — use New()'s options to
// configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB // nil unless StorageBackend == postgres
	redisAdapter *storage.RedisAdapter
	orch         *orchestrator.Orchestrator
	srv          *server.Server
	broker       *server.Broker // nil when the storage backend can't fan out cross-process
	otelShutdown func(context.Context) error
	eventHooks   []EventHook
	logger       *slog.Logger
	version      string
}

// New initializes the fact sheet engine: it loads configuration, connects
// to the configured storage backend (running migrations for Postgres),
// registers the given schema and policy, and wires the HTTP and MCP
// surfaces. It does NOT start any goroutines or accept connections — call
// Run() for that.
func New(sch Schema, policy Policy, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyOverrides(&cfg, o)

	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("factsheet starting", "version", version, "port", cfg.Port, "storage_backend", cfg.StorageBackend)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	internalSchema, err := toInternalSchema(sch)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("register schema: %w", err)
	}
	internalPolicy := toInternalPolicy(policy)

	app := &App{cfg: cfg, otelShutdown: otelShutdown, eventHooks: o.eventHooks, logger: logger, version: version}

	adapter, err := app.buildStorage(ctx)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}

	extractorClient, err := app.buildExtractorClient(o, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}

	orch := orchestrator.New(adapter, extractorClient, orchestrator.Config{
		Policy:               internalPolicy,
		IdempotencyTTL:       cfg.IdempotencyTTL,
		IdempotencyCacheSize: cfg.IdempotencyCacheSize,
		AsyncWorkers:         cfg.AsyncWorkers,
	}, logger)
	if err := orch.RegisterSchema(internalSchema, internalPolicy); err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("register schema: %w", err)
	}
	app.orch = orch

	for _, hook := range o.eventHooks {
		h := hook
		orch.Subscribe(func(ev orchestrator.Event) {
			app.dispatchEvent(h, ev)
		})
	}

	// Cross-process SSE fan-out is only possible for the relational backend,
	// and only once it has a dedicated LISTEN/NOTIFY connection.
	var broker *server.Broker
	if app.db != nil && app.db.HasNotifyConn() {
		broker = server.NewBroker(orch, app.db, logger)
	}
	app.broker = broker

	var gate *auth.Gate
	if cfg.APIKey != "" {
		gate = auth.NewGate(cfg.APIKey)
	} else {
		logger.Warn("factsheet: FACTSHEET_API_KEY not set, auth disabled — every request is accepted")
	}

	handlers := server.NewHandlers(server.HandlersDeps{
		Orchestrator:        orch,
		Broker:              broker,
		Logger:              logger,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		StorageKind:         string(cfg.StorageBackend),
	})

	mcpSrv := mcp.New(orch, logger, version)

	app.srv = server.New(server.ServerConfig{
		Handlers:            handlers,
		Broker:              broker,
		Gate:                gate,
		Logger:              logger,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		ExtraMiddlewares:    toHTTPMiddlewares(o.middlewares),
	})

	return app, nil
}

// Handler returns the root HTTP handler, for use in tests that want to
// drive the server with httptest instead of a real listener.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts serving HTTP (and, if configured, MCP-over-HTTP and SSE)
// requests and blocks until ctx is canceled or the server errors.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.srv.Start(ctx) }()

	select {
	case <-ctx.Done():
		return a.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully drains the HTTP server, closes the storage backend,
// and waits for in-flight async observes to finish.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("factsheet shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http server shutdown", "error", err)
	}
	if err := a.orch.Close(shutdownCtx); err != nil {
		a.logger.Warn("orchestrator close", "error", err)
	}
	if a.db != nil {
		a.db.Close(shutdownCtx)
	}
	if a.redisAdapter != nil {
		if err := a.redisAdapter.Close(); err != nil {
			a.logger.Warn("redis adapter close", "error", err)
		}
	}
	if a.otelShutdown != nil {
		if err := a.otelShutdown(shutdownCtx); err != nil {
			a.logger.Warn("telemetry shutdown", "error", err)
		}
	}
	return nil
}

func applyOverrides(cfg *config.Config, o resolvedOptions) {
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	if o.redisNamespace != "" {
		cfg.RedisNamespace = o.redisNamespace
	}
	if o.redisTTL != 0 {
		cfg.RedisTTL = o.redisTTL
	}
	if o.apiKey != "" {
		cfg.APIKey = o.apiKey
	}
	if o.corsOrigins != nil {
		cfg.CORSAllowedOrigins = o.corsOrigins
	}
}

// buildStorage connects the configured storage backend, running migrations
// for the relational backend, and returns its Adapter. Only the relational
// backend supports LISTEN/NOTIFY; New wires a Broker afterward if one is
// available.
func (a *App) buildStorage(ctx context.Context) (storage.Adapter, error) {
	switch a.cfg.StorageBackend {
	case config.StorageMemory:
		return storage.NewMemoryAdapter(1000, 50), nil

	case config.StoragePostgres:
		db, err := storage.New(ctx, a.cfg.DatabaseURL, a.cfg.NotifyURL, a.logger)
		if err != nil {
			return nil, fmt.Errorf("storage: connect: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("storage: migrate: %w", err)
		}
		a.db = db
		return storage.NewPostgresAdapter(db, 0, 0), nil

	case config.StorageRedis:
		redisAdapter, err := storage.NewRedisAdapter(ctx, a.cfg.RedisURL,
			storage.WithNamespace(a.cfg.RedisNamespace),
			storage.WithTTL(a.cfg.RedisTTL),
		)
		if err != nil {
			return nil, fmt.Errorf("storage: connect redis: %w", err)
		}
		a.redisAdapter = redisAdapter
		return redisAdapter, nil

	default:
		return nil, fmt.Errorf("factsheet: unknown storage backend %q", a.cfg.StorageBackend)
	}
}

// buildExtractorClient returns the caller-supplied ExtractorClient if one
// was given via WithExtractorClient, an HTTP client wired to the configured
// endpoint if one was set, or nil — leaving observe() disabled until one of
// the two is provided, exactly as orchestrator.ErrExtractorNotConfigured
// documents.
func (a *App) buildExtractorClient(o resolvedOptions, logger *slog.Logger) (extractor.Client, error) {
	if o.extractorClient != nil {
		return &extractorClientAdapter{public: o.extractorClient}, nil
	}
	if a.cfg.ExtractorEndpoint == "" {
		return nil, nil
	}
	return extractor.NewHTTPClient(a.cfg.ExtractorEndpoint, a.cfg.ExtractorAPIKey,
		extractor.WithTimeout(a.cfg.ExtractorTimeout),
		extractor.WithMaxRetries(a.cfg.ExtractorMaxRetries),
		extractor.WithLogger(logger),
	), nil
}
