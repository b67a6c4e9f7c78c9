// Package engine wires the serving-control core's components into the
// embeddable handle spec.md §6 describes: loadModel, createGenerator,
// shutdown, healthCheck. It owns construction order and shutdown order;
// the individual components (rpctransport, streamregistry, concurrency,
// modelmanager, lifecycle, batchqueue, opsmux, featureflags) own their
// own behavior.
//
// Grounded on cmd/consumer/main.go's Application struct: construct every
// dependency once at startup, fail fast on the ones that must succeed,
// and run a single ordered Shutdown that tears them down in reverse.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ibs-source/inference-engine/internal/batchqueue"
	"github.com/ibs-source/inference-engine/internal/circuitbreaker"
	"github.com/ibs-source/inference-engine/internal/cluster/balancer"
	"github.com/ibs-source/inference-engine/internal/cluster/bus"
	"github.com/ibs-source/inference-engine/internal/cluster/controller"
	clusterregistry "github.com/ibs-source/inference-engine/internal/cluster/registry"
	"github.com/ibs-source/inference-engine/internal/concurrency"
	"github.com/ibs-source/inference-engine/internal/config"
	"github.com/ibs-source/inference-engine/internal/domain"
	"github.com/ibs-source/inference-engine/internal/errs"
	"github.com/ibs-source/inference-engine/internal/featureflags"
	"github.com/ibs-source/inference-engine/internal/kvstore"
	"github.com/ibs-source/inference-engine/internal/lifecycle"
	"github.com/ibs-source/inference-engine/internal/logger"
	"github.com/ibs-source/inference-engine/internal/modelmanager"
	"github.com/ibs-source/inference-engine/internal/opsmux"
	"github.com/ibs-source/inference-engine/internal/ports"
	"github.com/ibs-source/inference-engine/internal/rpctransport"
	"github.com/ibs-source/inference-engine/internal/streamregistry"
)

// GenerateRequest is the caller-facing argument to CreateGenerator.
type GenerateRequest struct {
	StreamID string
	ModelID  string
	Prompt   string
	TenantID string
	Timeout  time.Duration
	Consumer domain.ChunkConsumer
}

// HealthStatus mirrors the teacher's core.HealthStatus shape: an overall
// Healthy flag plus a Message describing the first failing check (or that
// all checks passed), which an embedder can surface on its own /healthz
// endpoint.
type HealthStatus struct {
	Healthy bool
	Message string
}

// Engine is the embeddable engine handle described in spec.md §6: it owns
// every serving-control component and exposes the four operations an
// embedder needs (load a model, start a generation, shut down cleanly,
// check health) without exposing the wiring beneath them.
type Engine struct {
	cfg     *config.Config
	log     ports.Logger
	metrics *domain.Metrics

	transport *rpctransport.Transport
	limiter   *concurrency.Limiter
	streams   *streamregistry.Registry
	models    *modelmanager.Manager
	lifecycle *lifecycle.Manager
	batch     *batchqueue.Queue
	mux       *opsmux.Multiplexer
	flags     *featureflags.Gate
	canary    *featureflags.CanaryRouter

	cluster *clusterHandle

	mu     sync.Mutex
	closed bool
}

// clusterHandle groups the optional controller-side components; nil when
// cfg.Cluster.Enabled is false (single-host mode).
type clusterHandle struct {
	bus        *bus.Bus
	registry   *clusterregistry.Registry
	balancer   *balancer.Balancer
	breakers   *circuitbreaker.Registry
	controller *controller.Controller
	kv         *kvstore.Store
}

// New constructs an Engine: spawns the runtime subprocess, wires its
// notification stream into the StreamRegistry, and brings up every other
// component in dependency order (limiter before registry, models before
// lifecycle, everything before warmup). If cfg.Cluster.Enabled, the
// controller-side fleet components are constructed and wired too.
func New(ctx context.Context, cfg *config.Config, log ports.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errs.Wrap(errs.ErrValidation, fmt.Errorf("engine: nil config"))
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	metrics := domain.NewMetrics()

	transport, err := rpctransport.New(ctx, cfg.App.RuntimePath, cfg.App.RuntimeArgs, rpctransport.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("engine: start runtime transport: %w", err)
	}

	var limiter *concurrency.Limiter
	if cfg.ConcurrencyLimiter.Enabled {
		limiter = concurrency.NewLimiter(cfg.ConcurrencyLimiter.TierLimits, metrics, log)
	}

	streams := streamregistry.New(streamRegistryConfig(cfg.StreamRegistry), limiter, metrics, log)
	transport.OnNotification("stream.chunk", streams.HandleChunk)
	transport.OnNotification("stream.stats", streams.HandleStats)
	transport.OnNotification("stream.event", streams.HandleEvent)

	models := modelmanager.New(modelmanager.Config{DrainTimeout: cfg.Model.DrainTimeout}, transport, metrics, log)

	lc := lifecycle.New(lifecycleConfig(cfg.Model), models, log)
	lc.Start(ctx)

	var bq *batchqueue.Queue
	if cfg.BatchQueue.Enabled {
		bq = batchqueue.New(batchQueueConfig(cfg.BatchQueue), transport, metrics, log)
	}

	var mux *opsmux.Multiplexer
	if cfg.BatchQueue.Multiplexer.Enabled {
		mux = opsmux.New(cfg.BatchQueue.Multiplexer, transport, streams.ActiveStreams, log)
	}

	flags := featureflags.New(cfg.FeatureFlags)
	canary := featureflags.NewCanaryRouter(cfg.FeatureFlags.Canary, cfg.FeatureFlags.Phase.Percentage, cfg.FeatureFlags.Phase.HashSeed)

	e := &Engine{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		transport: transport,
		limiter:   limiter,
		streams:   streams,
		models:    models,
		lifecycle: lc,
		batch:     bq,
		mux:       mux,
		flags:     flags,
		canary:    canary,
	}

	if cfg.Cluster.Enabled {
		ch, err := newClusterHandle(ctx, cfg, log)
		if err != nil {
			_ = transport.Close()
			lc.Stop()
			return nil, fmt.Errorf("engine: cluster wiring: %w", err)
		}
		e.cluster = ch
	}

	models.Warmup(ctx, cfg.Model.MemoryCache.WarmupOnStart)

	return e, nil
}

func newClusterHandle(ctx context.Context, cfg *config.Config, log ports.Logger) (*clusterHandle, error) {
	b, err := bus.New(cfg.Cluster.Bus, log)
	if err != nil {
		return nil, fmt.Errorf("construct bus: %w", err)
	}
	if err := b.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}

	kv := kvstore.New(cfg.Cluster.Registry)
	reg := clusterregistry.New(cfg.Cluster.Registry, kv, log)
	reg.Start()

	lb := balancer.New(balancer.DefaultSafetyFactor)
	breakers := circuitbreaker.NewRegistry(
		cfg.RequestRouting.CircuitBreaker.FailureThreshold,
		cfg.RequestRouting.CircuitBreaker.SuccessThreshold,
		cfg.RequestRouting.CircuitBreaker.Timeout,
	)
	ctrl := controller.New(reg, lb, breakers, b, cfg.RequestRouting, log)
	if err := ctrl.Wire(); err != nil {
		return nil, fmt.Errorf("wire controller: %w", err)
	}

	return &clusterHandle{bus: b, registry: reg, balancer: lb, breakers: breakers, controller: ctrl, kv: kv}, nil
}

// LoadModel loads (or returns the cached handle for) a model and records
// the access with LifecycleManager for LRU/idle-drain/prefetch bookkeeping.
func (e *Engine) LoadModel(ctx context.Context, modelID string) (modelmanager.LoadResult, error) {
	res, err := e.models.LoadModel(ctx, modelID)
	if err == nil {
		e.lifecycle.OnAccess(ctx, modelID)
	}
	return res, err
}

// CreateGenerator registers a new stream against the StreamRegistry
// (acquiring a concurrency slot) and, once admitted, issues the `generate`
// request to the runtime. The returned handle's Wait resolves exactly
// once, per spec.md §3's Stream invariant.
func (e *Engine) CreateGenerator(ctx context.Context, req GenerateRequest) (*streamregistry.Handle, error) {
	if req.StreamID == "" {
		req.StreamID = uuid.NewString()
	}
	e.lifecycle.OnAccess(ctx, req.ModelID)

	handle, err := e.streams.Register(ctx, streamregistry.RegisterOptions{
		StreamID: req.StreamID,
		ModelID:  req.ModelID,
		TenantID: req.TenantID,
		Timeout:  req.Timeout,
		Consumer: req.Consumer,
	})
	if err != nil {
		return nil, err
	}

	params := map[string]interface{}{
		"stream_id": req.StreamID,
		"model_id":  req.ModelID,
		"prompt":    req.Prompt,
	}
	if _, err := e.transport.Request(ctx, "generate", params); err != nil {
		handle.Cancel()
		return nil, fmt.Errorf("engine: generate request: %w", err)
	}
	return handle, nil
}

// RouteCluster forwards req to the controller-side load balancer; only
// valid when cfg.Cluster.Enabled.
func (e *Engine) RouteCluster(ctx context.Context, req controller.InferenceRequest) (controller.InferenceResult, error) {
	if e.cluster == nil {
		return controller.InferenceResult{}, errs.Wrap(errs.ErrValidation, fmt.Errorf("engine: cluster mode not enabled"))
	}
	return e.cluster.controller.Route(ctx, req)
}

// EvaluateFlag runs the deterministic feature-flag gate for a given
// request id.
func (e *Engine) EvaluateFlag(featureName, requestID string) featureflags.Decision {
	return e.flags.Evaluate(featureName, requestID)
}

// CanaryVariant reports the MD5-bucketed canary variant for identifier.
func (e *Engine) CanaryVariant(identifier string) (variant string, bucket float64) {
	return e.canary.Variant(identifier)
}

// Metrics exposes the engine-wide atomic counters for an embedder's own
// telemetry sink to read; the core itself emits nothing external
// (spec.md §1 Non-goals: telemetry sinks).
func (e *Engine) Metrics() *domain.Metrics { return e.metrics }

// HealthCheck reports whether the runtime subprocess and, in cluster
// mode, the bus connection are responsive.
func (e *Engine) HealthCheck(ctx context.Context) HealthStatus {
	if _, err := e.transport.Request(ctx, "runtime/info", nil); err != nil {
		return HealthStatus{Healthy: false, Message: fmt.Sprintf("runtime transport unhealthy: %v", err)}
	}
	if e.cluster != nil && !e.cluster.bus.IsConnected() {
		return HealthStatus{Healthy: false, Message: "cluster bus disconnected"}
	}
	return HealthStatus{Healthy: true, Message: "all components healthy"}
}

// Shutdown tears every component down in reverse construction order:
// cluster wiring, lifecycle sweeps, the batch queue, stream
// registry (rejecting in-flight streams with Shutdown), then the runtime
// transport itself.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.cluster != nil {
		e.cluster.registry.Stop()
		_ = e.cluster.bus.Disconnect(ctx)
		if err := e.cluster.kv.Close(); err != nil {
			e.log.Warn("engine: kvstore close failed", logger.Error(err))
		}
	}

	e.lifecycle.Stop()

	if e.batch != nil {
		e.batch.Stop()
	}

	e.streams.Shutdown()

	if err := e.transport.Close(); err != nil {
		e.log.Warn("engine: transport close failed", logger.Error(err))
	}

	return nil
}

func streamRegistryConfig(c config.StreamRegistryConfig) streamregistry.Config {
	return streamregistry.Config{
		DefaultTimeout:      c.DefaultTimeout,
		MaxActiveStreams:    c.MaxActiveStreams,
		AdaptiveEnabled:     c.AdaptiveLimits.Enabled,
		MinStreams:          c.AdaptiveLimits.MinStreams,
		MaxStreams:          c.AdaptiveLimits.MaxStreams,
		TargetTTFT:          c.AdaptiveLimits.TargetTTFT,
		ScaleUpThreshold:    c.AdaptiveLimits.ScaleUpThreshold,
		ScaleDownThreshold:  c.AdaptiveLimits.ScaleDownThreshold,
		AdjustmentInterval:  c.AdaptiveLimits.AdjustmentInterval,
		Governor:            c.AdaptiveLimits.Governor,
		PIDKp:               c.AdaptiveLimits.PIDKp,
		PIDKi:               c.AdaptiveLimits.PIDKi,
		PIDKd:               c.AdaptiveLimits.PIDKd,
		TenantBudget:        c.AdaptiveLimits.TenantBudget,
		ChunkPoolEnabled:    c.ChunkPooling.Enabled,
		ChunkPoolSize:       c.ChunkPooling.PoolSize,
		PoolCleanupInterval: c.ChunkPooling.CleanupInterval,
		BackpressureEnabled: c.Backpressure.Enabled,
		MaxUnackedChunks:    c.Backpressure.MaxUnackedChunks,
		SlowConsumerThreshold: c.Backpressure.SlowConsumerThreshold,
	}
}

func lifecycleConfig(c config.ModelConfig) lifecycle.Config {
	return lifecycle.Config{
		MaxLoadedModels:        c.MaxLoadedModels,
		IdleTimeout:             c.IdleTimeout,
		IdleSweepInterval:       c.IdleSweepInterval,
		PrefetchMinConfidence:   c.PrefetchMinConfidence,
		PrefetchMaxConcurrency:  c.PrefetchMaxConcurrency,
		PrefetchHitWindow:       c.PrefetchHitWindow,
	}
}

func batchQueueConfig(c config.BatchQueueConfig) batchqueue.Config {
	return batchqueue.Config{
		MaxBatchSize:    c.MaxBatchSize,
		FlushInterval:   c.FlushInterval,
		MinHold:         c.MinHold,
		AdaptiveSizing:  c.AdaptiveSizing,
		TargetBatchTime: c.TargetBatchTime,
		PriorityQueue:   c.PriorityQueue,
		AdjustInterval:  c.AdjustInterval,
	}
}
