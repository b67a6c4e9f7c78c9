package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ibs-source/inference-engine/internal/ports"
)

// State is the three-state breaker FSM.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpenState is returned when Execute is called while the breaker is open.
var ErrOpenState = errors.New("circuit breaker is open")

// Breaker is a single peer's closed/open/half-open state machine.
// Closed -> Open after FailureThreshold consecutive failures.
// Open -> HalfOpen after Timeout has elapsed since the last failure.
// HalfOpen -> Closed after SuccessThreshold consecutive successes;
// HalfOpen -> Open on any failure. A worker in HalfOpen admits exactly one
// probe at a time (enforced by halfOpenProbeInFlight).
type Breaker struct {
	key string

	failureThreshold uint64
	successThreshold uint64
	timeout          time.Duration

	state         atomic.Int32
	lastFailureAt atomic.Int64
	generation    atomic.Uint64

	counts *window

	halfOpenProbeInFlight atomic.Bool
}

// New creates a breaker for one (peer, optional model) key.
func New(key string, failureThreshold, successThreshold uint64, timeout time.Duration) *Breaker {
	b := &Breaker{
		key:              key,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		counts:           newWindow(10, time.Minute),
	}
	b.state.Store(int32(StateClosed))
	return b
}

// Execute runs fn if the breaker currently admits requests.
// HalfOpen admits exactly one probe at a time; other callers immediately
// receive ErrOpenState rather than queueing.
func (b *Breaker) Execute(fn func() error) (err error) {
	if fn == nil {
		return errors.New("function cannot be nil")
	}

	generation, admitted, err := b.beforeRequest()
	if err != nil {
		return err
	}
	if !admitted {
		return ErrOpenState
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			b.afterRequest(generation, err)
		}
	}()

	err = fn()
	b.afterRequest(generation, err)
	return err
}

// GetState implements ports.CircuitBreaker.
func (b *Breaker) GetState() string {
	return State(b.state.Load()).String()
}

// GetStats implements ports.CircuitBreaker.
func (b *Breaker) GetStats() ports.CircuitBreakerStats {
	counts := b.counts.sum()
	return ports.CircuitBreakerStats{
		Requests:            counts.requests,
		TotalSuccess:        counts.successes,
		TotalFailure:        counts.failures,
		ConsecutiveFailures: counts.consecutiveFailures,
		ConsecutiveSuccess:  counts.consecutiveSuccesses,
		State:               b.GetState(),
		LastFailureAt:       time.Unix(0, b.lastFailureAt.Load()),
	}
}

// IsVisible reports whether the peer should be considered by the load
// balancer: invisible while Open until Timeout has elapsed since the last
// failure, after which the next Execute moves it to HalfOpen for a probe.
func (b *Breaker) IsVisible() bool {
	if State(b.state.Load()) != StateOpen {
		return true
	}
	return time.Since(time.Unix(0, b.lastFailureAt.Load())) > b.timeout
}

func (b *Breaker) beforeRequest() (generation uint64, admitted bool, err error) {
	state := State(b.state.Load())
	generation = b.generation.Load()

	if state == StateOpen {
		lastFailure := b.lastFailureAt.Load()
		if time.Since(time.Unix(0, lastFailure)) > b.timeout {
			if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
				b.toHalfOpen()
			}
		}
		state = State(b.state.Load())
	}

	if state == StateOpen {
		return generation, false, nil
	}

	if state == StateHalfOpen {
		if !b.halfOpenProbeInFlight.CompareAndSwap(false, true) {
			return generation, false, nil
		}
	}

	return b.generation.Load(), true, nil
}

func (b *Breaker) afterRequest(generation uint64, err error) {
	if State(b.state.Load()) == StateHalfOpen {
		b.halfOpenProbeInFlight.Store(false)
	}

	if generation != b.generation.Load() {
		// A state transition (and thus a new generation) happened while
		// this call was in flight; the result is stale, discard it.
		return
	}

	if err == nil {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	b.counts.success()

	if State(b.state.Load()) == StateHalfOpen {
		if b.counts.sum().consecutiveSuccesses >= b.successThreshold {
			b.toClosed()
		}
	}
}

func (b *Breaker) onFailure() {
	b.counts.failure()
	b.lastFailureAt.Store(time.Now().UnixNano())

	switch State(b.state.Load()) {
	case StateClosed:
		if b.counts.sum().consecutiveFailures >= b.failureThreshold {
			b.toOpen()
		}
	case StateHalfOpen:
		b.toOpen()
	}
}

func (b *Breaker) toOpen() {
	swapped := b.state.CompareAndSwap(int32(StateClosed), int32(StateOpen))
	if !swapped {
		swapped = b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen))
	}
	if swapped {
		b.generation.Add(1)
		b.halfOpenProbeInFlight.Store(false)
	}
}

func (b *Breaker) toHalfOpen() {
	b.generation.Add(1)
	b.halfOpenProbeInFlight.Store(false)
}

func (b *Breaker) toClosed() {
	if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
		b.generation.Add(1)
		b.counts.reset()
		b.halfOpenProbeInFlight.Store(false)
	}
}

// Registry owns one Breaker per (peer, optional model) key and is the
// seam the controller's routing goes through — the registry, not an
// individual Breaker, is what gets wired into the controller.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	failureThreshold uint64
	successThreshold uint64
	timeout          time.Duration
}

// NewRegistry creates a registry that lazily constructs breakers with the
// given thresholds/timeout on first use of a key.
func NewRegistry(failureThreshold, successThreshold uint64, timeout time.Duration) *Registry {
	return &Registry{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
	}
}

// Key builds the canonical (peer, optional model) key.
func Key(peer, model string) string {
	if model == "" {
		return peer
	}
	return peer + "|" + model
}

// Get returns (creating if necessary) the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = New(key, r.failureThreshold, r.successThreshold, r.timeout)
	r.breakers[key] = b
	return b
}

// IsVisible reports whether key's breaker currently admits traffic.
func (r *Registry) IsVisible(key string) bool {
	return r.Get(key).IsVisible()
}

// Snapshot returns every known breaker's key and state.
func (r *Registry) Snapshot() map[string]ports.CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ports.CircuitBreakerStats, len(r.breakers))
	for k, b := range r.breakers {
		out[k] = b.GetStats()
	}
	return out
}
