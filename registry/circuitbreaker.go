package registry

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/clock"
)

// errorClassifier decides which errors count as provider failures for a
// breaker. Validation, not-found and permission failures are caller
// mistakes, not provider health signals, so they are excluded.
type errorClassifier func(error) bool

func defaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if ciris.IsValidation(err) || ciris.IsNotFound(err) || ciris.IsPermission(err) {
		return false
	}
	return true
}

type breakerConfig struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	halfOpenRequests int
	windowSize       time.Duration
	bucketCount      int
	classifier       errorClassifier
	logger           ciris.Logger
	clock            clock.Clock
}

func defaultBreakerConfig(name string, cl clock.Clock, logger ciris.Logger) breakerConfig {
	return breakerConfig{
		name:             name,
		failureThreshold: 3,
		resetTimeout:     300 * time.Second,
		halfOpenRequests: 1,
		windowSize:       60 * time.Second,
		bucketCount:      10,
		classifier:       defaultErrorClassifier,
		logger:           logger,
		clock:            cl,
	}
}

// slidingWindow buckets successes and failures over a rolling interval so
// a breaker's error rate reflects recent behavior, not all-time history.
type slidingWindow struct {
	mu          sync.Mutex
	clock       clock.Clock
	bucketWidth time.Duration
	buckets     []bucket
	lastRotate  time.Time
}

type bucket struct {
	success uint64
	failure uint64
}

func newSlidingWindow(cl clock.Clock, windowSize time.Duration, bucketCount int) *slidingWindow {
	if bucketCount < 1 {
		bucketCount = 1
	}
	return &slidingWindow{
		clock:       cl,
		bucketWidth: windowSize / time.Duration(bucketCount),
		buckets:     make([]bucket, bucketCount),
		lastRotate:  cl.Now(),
	}
}

func (sw *slidingWindow) rotate() {
	elapsed := sw.clock.Since(sw.lastRotate)
	if sw.bucketWidth <= 0 {
		return
	}
	toRotate := int(elapsed / sw.bucketWidth)
	if toRotate <= 0 {
		return
	}
	if toRotate >= len(sw.buckets) {
		for i := range sw.buckets {
			sw.buckets[i] = bucket{}
		}
	} else {
		sw.buckets = append(sw.buckets[toRotate:], make([]bucket, toRotate)...)
	}
	sw.lastRotate = sw.clock.Now()
}

func (sw *slidingWindow) recordSuccess() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	sw.buckets[len(sw.buckets)-1].success++
}

func (sw *slidingWindow) recordFailure() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	sw.buckets[len(sw.buckets)-1].failure++
}

func (sw *slidingWindow) counts() (success, failure uint64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	for _, b := range sw.buckets {
		success += b.success
		failure += b.failure
	}
	return
}

func (sw *slidingWindow) errorRate() (rate float64, total uint64) {
	success, failure := sw.counts()
	total = success + failure
	if total == 0 {
		return 0, 0
	}
	return float64(failure) / float64(total), total
}

// circuitBreaker guards a single capability provider. CLOSED opens after
// failureThreshold consecutive classified failures (a success resets the
// count); OPEN rejects calls until resetTimeout elapses, then HALF_OPEN
// lets one probe through — a single success closes the breaker, a failure
// re-opens it. The sliding window tracks recent success/failure counts
// for the logs only; it never drives a transition.
type circuitBreaker struct {
	cfg                 breakerConfig
	window              *slidingWindow
	state               atomic.Value // ciris.CircuitState
	openedAt            atomic.Value // time.Time
	halfOpenInFlight    atomic.Int32
	consecutiveFailures atomic.Int32
	mu                  sync.Mutex
}

func newCircuitBreaker(cfg breakerConfig) *circuitBreaker {
	cb := &circuitBreaker{cfg: cfg, window: newSlidingWindow(cfg.clock, cfg.windowSize, cfg.bucketCount)}
	cb.state.Store(ciris.CircuitClosed)
	return cb
}

func (cb *circuitBreaker) State() ciris.CircuitState {
	return cb.state.Load().(ciris.CircuitState)
}

// allow reports whether a call may proceed right now, transitioning OPEN
// to HALF_OPEN once resetTimeout has elapsed.
func (cb *circuitBreaker) allow() bool {
	switch cb.State() {
	case ciris.CircuitClosed:
		return true
	case ciris.CircuitHalfOpen:
		return cb.halfOpenInFlight.Load() < int32(cb.cfg.halfOpenRequests)
	case ciris.CircuitOpen:
		openedAt, _ := cb.openedAt.Load().(time.Time)
		if cb.cfg.clock.Since(openedAt) >= cb.cfg.resetTimeout {
			cb.transition(ciris.CircuitHalfOpen)
			return cb.halfOpenInFlight.Load() < int32(cb.cfg.halfOpenRequests)
		}
		return false
	default:
		return true
	}
}

func (cb *circuitBreaker) transition(to ciris.CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	from := cb.State()
	if from == to {
		return
	}
	cb.state.Store(to)
	switch to {
	case ciris.CircuitOpen:
		cb.openedAt.Store(cb.cfg.clock.Now())
	case ciris.CircuitHalfOpen:
		cb.halfOpenInFlight.Store(0)
	case ciris.CircuitClosed:
		cb.consecutiveFailures.Store(0)
		cb.window = newSlidingWindow(cb.cfg.clock, cb.cfg.windowSize, cb.cfg.bucketCount)
	}
	if cb.cfg.logger != nil {
		rate, total := cb.window.errorRate()
		cb.cfg.logger.Info("circuit breaker state change", map[string]interface{}{
			"breaker":       cb.cfg.name,
			"from":          string(from),
			"to":            string(to),
			"recent_rate":   rate,
			"recent_volume": total,
		})
	}
}

// reset forces the breaker back to CLOSED, discarding the failure window.
// Used by the operator's services/circuit/reset surface; normal recovery
// goes through the HALF_OPEN probe path instead.
func (cb *circuitBreaker) reset() {
	if cb.State() != ciris.CircuitClosed {
		cb.transition(ciris.CircuitClosed)
		return
	}
	// transition is a no-op on a breaker that is already CLOSED, so clear
	// the failure count and window here.
	cb.mu.Lock()
	cb.consecutiveFailures.Store(0)
	cb.window = newSlidingWindow(cb.cfg.clock, cb.cfg.windowSize, cb.cfg.bucketCount)
	cb.mu.Unlock()
}

// Execute runs fn if the breaker currently allows it, recording the
// outcome and applying state transitions. Panics inside fn are recovered
// and reported as failures rather than crashing the caller.
func (cb *circuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		return ciris.NewFrameworkError(fmt.Sprintf("circuit[%s]", cb.cfg.name), ciris.KindTransient, ciris.ErrCircuitOpen)
	}

	halfOpen := cb.State() == ciris.CircuitHalfOpen
	if halfOpen {
		cb.halfOpenInFlight.Add(1)
		defer cb.halfOpenInFlight.Add(-1)
	}

	err := cb.runRecovered(ctx, fn)
	cb.recordResult(err, halfOpen)
	return err
}

func (cb *circuitBreaker) runRecovered(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in provider call: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

func (cb *circuitBreaker) recordResult(err error, halfOpen bool) {
	counts := cb.cfg.classifier(err)
	if counts {
		cb.window.recordFailure()
	} else {
		cb.window.recordSuccess()
	}

	if halfOpen {
		if counts {
			cb.transition(ciris.CircuitOpen)
			return
		}
		// One successful probe is enough to close.
		cb.transition(ciris.CircuitClosed)
		return
	}

	if !counts {
		cb.consecutiveFailures.Store(0)
		return
	}
	threshold := cb.cfg.failureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	if cb.consecutiveFailures.Add(1) >= int32(threshold) {
		cb.transition(ciris.CircuitOpen)
	}
}
