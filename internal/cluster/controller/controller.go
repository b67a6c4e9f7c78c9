// Package controller ties WorkerRegistry, LoadBalancer, CircuitBreaker
// and the cluster bus together into the controller side of cluster mode
// (spec.md §2 data flow: "Controller interposes: selects worker via
// LoadBalancer gated by CircuitBreaker, forwards request over the bus,
// relays stream back").
//
// Grounded on cmd/consumer/main.go's Application wiring style
// (construct dependencies, Start/Shutdown lifecycle, health checks).
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ibs-source/inference-engine/internal/circuitbreaker"
	"github.com/ibs-source/inference-engine/internal/cluster/balancer"
	"github.com/ibs-source/inference-engine/internal/cluster/bus"
	"github.com/ibs-source/inference-engine/internal/cluster/registry"
	"github.com/ibs-source/inference-engine/internal/config"
	"github.com/ibs-source/inference-engine/internal/domain"
	"github.com/ibs-source/inference-engine/internal/errs"
	"github.com/ibs-source/inference-engine/internal/logger"
	"github.com/ibs-source/inference-engine/internal/ports"
)

// InferenceRequest is what a caller asks the controller to route.
type InferenceRequest struct {
	RequestID string
	ModelID   string
	Prompt    string
	Stream    bool
}

// InferenceResult is the worker's reply, relayed back to the caller.
type InferenceResult struct {
	WorkerID string          `json:"worker_id"`
	Tokens   json.RawMessage `json:"tokens"`
	Error    string          `json:"error,omitempty"`
}

// registerPayload / heartbeatPayload mirror spec.md §6's bus message
// shapes for worker.register / worker.heartbeat.
type registerPayload struct {
	WorkerID  string               `json:"workerId"`
	Hostname  string               `json:"hostname"`
	IP        string               `json:"ip"`
	Port      int                  `json:"port"`
	Skills    []string             `json:"skills"`
	Status    string               `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
	Metrics   domain.WorkerMetrics `json:"metrics"`
}

type heartbeatPayload struct {
	WorkerID  string               `json:"workerId"`
	Status    string               `json:"status"`
	Metrics   domain.WorkerMetrics `json:"metrics"`
	Timestamp time.Time            `json:"timestamp"`
}

type inferenceEnvelope struct {
	RequestID string `json:"requestId"`
	ModelID   string `json:"modelId"`
	Prompt    string `json:"prompt"`
	Stream    bool   `json:"stream"`
	ReplyTo   string `json:"replyTo"`
}

// Controller is the cluster-mode request router.
type Controller struct {
	registry *registry.Registry
	balancer *balancer.Balancer
	breakers *circuitbreaker.Registry
	bus      ports.Bus
	cfg      config.RequestRoutingConfig
	log      ports.Logger

	retryAllowlist map[string]struct{}

	pendingMu sync.Mutex
	pending   map[string]chan InferenceResult
}

// New constructs a Controller wired to its collaborators.
func New(reg *registry.Registry, lb *balancer.Balancer, breakers *circuitbreaker.Registry, b ports.Bus, cfg config.RequestRoutingConfig, log ports.Logger) *Controller {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	allow := make(map[string]struct{}, len(cfg.Retry.AllowlistMethods))
	for _, m := range cfg.Retry.AllowlistMethods {
		allow[m] = struct{}{}
	}
	return &Controller{
		registry:       reg,
		balancer:       lb,
		breakers:       breakers,
		bus:            b,
		cfg:            cfg,
		log:            log.WithFields(ports.Field{Key: "component", Value: "controller"}),
		retryAllowlist: allow,
		pending:        make(map[string]chan InferenceResult),
	}
}

// Wire subscribes to the fleet-management topics (worker.register,
// worker.heartbeat). Reply topics are subscribed per-request in
// routeOnce, since the Bus seam matches handlers on exact topic strings.
func (c *Controller) Wire() error {
	if err := c.bus.Subscribe(bus.TopicWorkerRegister, c.onRegister); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TopicWorkerRegister, err)
	}
	if err := c.bus.Subscribe(bus.TopicWorkerHeartbeat, c.onHeartbeat); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TopicWorkerHeartbeat, err)
	}
	return nil
}

const replyTopicPrefix = "controller.reply."

func (c *Controller) onRegister(_ string, payload []byte) {
	var p registerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.log.Warn("controller: malformed worker.register payload", logger.Error(err))
		return
	}
	status := parseStatus(p.Status)
	rec := domain.WorkerRecord{
		WorkerID: p.WorkerID,
		Hostname: p.Hostname,
		IP:       p.IP,
		Port:     p.Port,
		Skills:   domain.Skills{AvailableModels: p.Skills, LastScanned: time.Now()},
		Metrics:  p.Metrics,
		Status:   status,
	}
	if err := c.registry.Register(context.Background(), rec); err != nil {
		c.log.Error("controller: worker registration failed", logger.String("worker_id", p.WorkerID), logger.Error(err))
	}
}

func (c *Controller) onHeartbeat(_ string, payload []byte) {
	var p heartbeatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.log.Warn("controller: malformed worker.heartbeat payload", logger.Error(err))
		return
	}
	if err := c.registry.Heartbeat(context.Background(), p.WorkerID, parseStatus(p.Status), p.Metrics); err != nil {
		c.log.Warn("controller: heartbeat for unknown worker", logger.String("worker_id", p.WorkerID))
	}
}

func (c *Controller) onReply(topic string, payload []byte) {
	requestID := topic[len(replyTopicPrefix):]
	c.pendingMu.Lock()
	ch, ok := c.pending[requestID]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	var result InferenceResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return
	}
	select {
	case ch <- result:
	default:
	}
}

func parseStatus(s string) domain.WorkerStatus {
	switch s {
	case "degraded":
		return domain.WorkerDegraded
	case "offline":
		return domain.WorkerOffline
	default:
		return domain.WorkerOnline
	}
}

// Route selects a worker for req, forwards it over the bus, and waits
// for the worker's reply (or ctx/timeout). On an idempotent-method
// failure (spec.md §7's retry allowlist, SPEC_FULL.md supplement #3) it
// retries against a different worker, excluding the one that just
// failed; other failures propagate immediately.
func (c *Controller) Route(ctx context.Context, req InferenceRequest) (InferenceResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	excluded := map[string]struct{}{}
	attempts := c.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		worker, err := c.selectExcluding(req.ModelID, excluded)
		if err != nil {
			return InferenceResult{}, err
		}

		result, err := c.routeOnce(ctx, worker.WorkerID, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !c.retryable(req) || attempt == attempts-1 {
			break
		}
		excluded[worker.WorkerID] = struct{}{}
		c.log.Warn("controller: retrying inference on a different worker",
			logger.String("failed_worker", worker.WorkerID), logger.Error(err))
	}
	return InferenceResult{}, lastErr
}

func (c *Controller) selectExcluding(modelID string, excluded map[string]struct{}) (domain.WorkerRecord, error) {
	snapshot := c.registry.Snapshot()
	filtered := make([]domain.WorkerRecord, 0, len(snapshot))
	for _, w := range snapshot {
		if _, skip := excluded[w.WorkerID]; skip {
			continue
		}
		filtered = append(filtered, w)
	}
	isVisible := func(workerID string) bool {
		return c.breakers.IsVisible(circuitbreaker.Key(workerID, modelID))
	}
	return c.balancer.Select(balancer.Request{ModelID: modelID}, filtered, isVisible)
}

func (c *Controller) retryable(req InferenceRequest) bool {
	_, ok := c.retryAllowlist["generate"]
	if req.Stream {
		// A generate call that already streamed bytes back is not safely
		// retried (spec.md §7); streaming responses are excluded even when
		// "generate" is allowlisted for the non-streaming case.
		return false
	}
	return ok
}

func (c *Controller) routeOnce(ctx context.Context, workerID string, req InferenceRequest) (InferenceResult, error) {
	breaker := c.breakers.Get(circuitbreaker.Key(workerID, req.ModelID))

	replyTopic := replyTopicPrefix + req.RequestID
	ch := make(chan InferenceResult, 1)
	c.pendingMu.Lock()
	c.pending[req.RequestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.RequestID)
		c.pendingMu.Unlock()
	}()

	if err := c.bus.Subscribe(replyTopic, func(t string, payload []byte) { c.onReply(t, payload) }); err != nil {
		return InferenceResult{}, errs.Wrap(errs.ErrTransport, err)
	}
	defer func() { _ = c.bus.Unsubscribe(replyTopic) }()

	env := inferenceEnvelope{RequestID: req.RequestID, ModelID: req.ModelID, Prompt: req.Prompt, Stream: req.Stream, ReplyTo: replyTopic}
	payload, err := json.Marshal(env)
	if err != nil {
		return InferenceResult{}, errs.Wrap(errs.ErrValidation, err)
	}

	timeout := c.cfg.Timeout
	if req.Stream {
		timeout = c.cfg.StreamingTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result InferenceResult
	execErr := breaker.Execute(func() error {
		if err := c.bus.Publish(reqCtx, bus.InferenceTopic(workerID), payload); err != nil {
			return errs.Wrap(errs.ErrTransport, err)
		}
		select {
		case result = <-ch:
			if result.Error != "" {
				return errs.Wrap(errs.ErrRuntime, fmt.Errorf("%s", result.Error))
			}
			return nil
		case <-reqCtx.Done():
			return errs.ErrStreamTimeout
		}
	})
	if execErr != nil {
		return InferenceResult{}, execErr
	}
	return result, nil
}
