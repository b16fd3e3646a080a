// Package orchestrator implements the request lifecycle around the merge
// engine: read-validate-merge-persist, idempotency-key replay, async
// dispatch for observe, retry-once on optimistic-concurrency conflict, and
// event emission. Both the HTTP and MCP transports are thin callers of this
// package — it owns the only copy of the control flow described by the
// data flow "Orchestrator reads current record → Schema Gate + Extras
// Sanitizer filter candidates → Merge Engine computes next state → Adapter
// performs conditional write → on conflict, retry once → events emitted →
// idempotency cache populated."
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/lumenic/factsheet/internal/extras"
	"github.com/lumenic/factsheet/internal/extractor"
	"github.com/lumenic/factsheet/internal/merge"
	"github.com/lumenic/factsheet/internal/model"
	"github.com/lumenic/factsheet/internal/schema"
	"github.com/lumenic/factsheet/internal/storage"
	"github.com/lumenic/factsheet/internal/telemetry"
)

// ErrSchemaNotRegistered is returned by any operation that needs the
// registered schema before one has been set via RegisterSchema.
var ErrSchemaNotRegistered = errors.New("orchestrator: no schema registered")

// ErrExtractorNotConfigured is returned by Observe when extraction is
// requested but no extractor.Client was supplied at construction.
var ErrExtractorNotConfigured = errors.New("orchestrator: no extractor client configured")

// PersistenceError is surfaced when a second CAS conflict occurs after the
// single retry the orchestrator allows. It carries the attempt count and
// the underlying cause for callers that want to log or alert on it.
type PersistenceError struct {
	Subject  string
	Attempts int
	Cause    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("orchestrator: persist %q failed after %d attempts: %v", e.Subject, e.Attempts, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// Config holds the tunables an Orchestrator needs beyond its collaborators.
type Config struct {
	Policy model.Policy

	// IdempotencyTTL is how long a cached result is replayed before it
	// expires. Defaults to 5 minutes.
	IdempotencyTTL time.Duration
	// IdempotencyCacheSize bounds the cache; oldest entries (by insertion
	// order) are evicted first once full. Defaults to 1000.
	IdempotencyCacheSize int

	// AsyncWorkers bounds the number of concurrently-running background
	// async-observe dispatches. Defaults to 8.
	AsyncWorkers int

	// DefaultRecencyWindowMs etc. all live on Policy; Config only adds
	// orchestration-level knobs.
}

func (c Config) withDefaults() Config {
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 5 * time.Minute
	}
	if c.IdempotencyCacheSize <= 0 {
		c.IdempotencyCacheSize = 1000
	}
	if c.AsyncWorkers <= 0 {
		c.AsyncWorkers = 8
	}
	if c.Policy.SourcePriority == nil {
		c.Policy = model.DefaultPolicy()
	}
	return c
}

// Orchestrator ties the merge engine, schema gate, extras sanitizer,
// storage adapter, and extractor client together into the public
// operations of spec.md §6.
type Orchestrator struct {
	adapter   storage.Adapter
	extractor extractor.Client
	logger    *slog.Logger
	cfg       Config
	clock     func() int64

	gate      *schema.Gate
	sanitizer *extras.Sanitizer
	sch       schema.Schema
	hasSchema bool

	idempo *idempotencyCache

	listenersMu sync.Mutex
	listeners   []EventHandler

	dispatch *errgroup.Group

	mergeLatency      metric.Float64Histogram
	casRetries        metric.Int64Counter
	idempotencyHits   metric.Int64Counter
	idempotencyMisses metric.Int64Counter
}

// New builds an Orchestrator. extractorClient may be nil if this deployment
// never calls Observe with extraction requested.
func New(adapter storage.Adapter, extractorClient extractor.Client, cfg Config, logger *slog.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	meter := telemetry.Meter("factsheet/orchestrator")
	mergeLatency, _ := meter.Float64Histogram("factsheet.merge.duration",
		metric.WithDescription("Time to run the merge-and-persist pipeline (ms)"),
		metric.WithUnit("ms"),
	)
	casRetries, _ := meter.Int64Counter("factsheet.cas.retries",
		metric.WithDescription("Number of CAS-conflict retries taken during persist"),
	)
	idempotencyHits, _ := meter.Int64Counter("factsheet.idempotency.hits",
		metric.WithDescription("Idempotency cache hits"),
	)
	idempotencyMisses, _ := meter.Int64Counter("factsheet.idempotency.misses",
		metric.WithDescription("Idempotency cache misses"),
	)

	dispatch := &errgroup.Group{}
	dispatch.SetLimit(cfg.AsyncWorkers)

	return &Orchestrator{
		adapter:           adapter,
		extractor:         extractorClient,
		logger:            logger,
		cfg:               cfg,
		clock:             func() int64 { return time.Now().UnixMilli() },
		idempo:            newIdempotencyCache(cfg.IdempotencyCacheSize, cfg.IdempotencyTTL),
		dispatch:          dispatch,
		mergeLatency:      mergeLatency,
		casRetries:        casRetries,
		idempotencyHits:   idempotencyHits,
		idempotencyMisses: idempotencyMisses,
	}
}

// RegisterSchema installs the schema this orchestrator validates candidates
// against. Callers register once per subject-type deployment before serving
// requests; every operation that touches the merge pipeline returns
// ErrSchemaNotRegistered until this has been called.
func (o *Orchestrator) RegisterSchema(s schema.Schema, policy model.Policy) error {
	gate := schema.NewGate(s)
	extrasPolicy := policy.ExtrasPolicy
	if extrasPolicy.MaxStringLength <= 0 {
		extrasPolicy.MaxStringLength = model.DefaultExtrasPolicy().MaxStringLength
	}
	if policy.MaxFieldLength > 0 && policy.MaxFieldLength < extrasPolicy.MaxStringLength {
		extrasPolicy.MaxStringLength = policy.MaxFieldLength
	}
	sanitizer, err := extras.New(extrasPolicy)
	if err != nil {
		return fmt.Errorf("orchestrator: register schema: %w", err)
	}
	o.gate = gate
	o.sanitizer = sanitizer
	o.sch = s
	if policy.SourcePriority != nil {
		o.cfg.Policy = policy
	}
	o.hasSchema = true
	return nil
}

// Close waits for any in-flight async-observe dispatches to finish. Call
// during graceful shutdown.
func (o *Orchestrator) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- o.dispatch.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newRequestID generates an opaque, unique request identifier.
func newRequestID() string {
	return uuid.NewString()
}
