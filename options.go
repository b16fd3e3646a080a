package factsheet

import (
	"log/slog"
	"time"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	notifyURL       string
	redisURL        string
	redisNamespace  string
	redisTTL        time.Duration
	apiKey          string
	logger          *slog.Logger
	version         string
	extractorClient ExtractorClient
	eventHooks      []EventHook
	middlewares     []Middleware
	corsOrigins     []string
}

// WithPort overrides the TCP port from config (FACTSHEET_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the pooled Postgres connection string used by
// the relational storage backend (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct (non-pooled) Postgres connection string
// used for LISTEN/NOTIFY event fan-out (NOTIFY_URL env var). Required when
// DatabaseURL points at a connection pooler such as PgBouncer.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithRedisURL overrides the Redis connection string used by the scripted
// key-value storage backend (REDIS_URL env var).
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithRedisNamespace overrides the key prefix the Redis adapter uses to
// scope its keys within a shared database (FACTSHEET_REDIS_NAMESPACE env var).
func WithRedisNamespace(ns string) Option {
	return func(o *resolvedOptions) { o.redisNamespace = ns }
}

// WithRedisTTL sets an expiry on every key the Redis adapter writes. Zero
// (the default) disables expiry entirely.
func WithRedisTTL(ttl time.Duration) Option {
	return func(o *resolvedOptions) { o.redisTTL = ttl }
}

// WithAPIKey overrides the shared-secret bearer token required on every
// request (FACTSHEET_API_KEY env var). When the resulting key is empty, auth
// is disabled and every request is accepted.
func WithAPIKey(key string) Option {
	return func(o *resolvedOptions) { o.apiKey = key }
}

// WithLogger sets the structured logger for the App. If not set, a JSON
// slog logger writing to stdout is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported on the health endpoint and
// in the MCP server's implementation metadata.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithExtractorClient replaces the default HTTP extractor collaborator with
// a caller-supplied implementation, e.g. an in-process model call.
func WithExtractorClient(c ExtractorClient) Option {
	return func(o *resolvedOptions) { o.extractorClient = c }
}

// WithEventHook registers a hook that receives every update, conflict, and
// completed async observe. Multiple hooks may be registered; all registered
// hooks receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithMiddleware registers an outermost HTTP middleware, applied before the
// built-in auth/logging/CORS chain. Multiple middlewares may be registered;
// the first-registered is outermost.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithCORSAllowedOrigins overrides the CORS allow-list (["*"] permits all
// origins). (FACTSHEET_CORS_ALLOWED_ORIGINS env var).
func WithCORSAllowedOrigins(origins []string) Option {
	return func(o *resolvedOptions) { o.corsOrigins = origins }
}
