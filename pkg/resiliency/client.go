// Package resiliency wraps http.Client with retry and circuit breaking for
// calls from the CLI to the server.
package resiliency

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/BloomsoftTeam/etherless/pkg/retry"
)

// ErrCircuitOpen is returned without contacting the server while the breaker
// is open.
var ErrCircuitOpen = errors.New("resiliency: circuit breaker open")

// DefaultPolicy retries transport errors and 5xx responses.
var DefaultPolicy = retry.BackoffPolicy{
	PolicyID:    "http",
	BaseMs:      100,
	MaxMs:       2000,
	MaxJitterMs: 50,
	MaxAttempts: 4,
}

// EnhancedClient wraps http.Client with resilience patterns:
// - Exponential backoff with deterministic jitter
// - Circuit breaking
// - Trace context propagation
//
// 4xx responses are final and returned as-is.
type EnhancedClient struct {
	client  *http.Client
	policy  retry.BackoffPolicy
	breaker *CircuitBreaker
	sleep   retry.Sleeper
}

type Option func(*EnhancedClient)

func WithHTTPClient(c *http.Client) Option {
	return func(e *EnhancedClient) { e.client = c }
}

func WithPolicy(p retry.BackoffPolicy) Option {
	return func(e *EnhancedClient) { e.policy = p }
}

func WithBreaker(b *CircuitBreaker) Option {
	return func(e *EnhancedClient) { e.breaker = b }
}

func WithSleeper(s retry.Sleeper) Option {
	return func(e *EnhancedClient) { e.sleep = s }
}

func NewEnhancedClient(opts ...Option) *EnhancedClient {
	c := &EnhancedClient{
		client:  &http.Client{Timeout: 2 * time.Minute},
		policy:  DefaultPolicy,
		breaker: NewCircuitBreaker("default", 5, 10*time.Second),
		sleep:   retry.SleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes req with retries. A request with a body is only replayed when
// req.GetBody is set, which http.NewRequest does for in-memory bodies.
func (c *EnhancedClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, c.breaker.name)
	}

	attempts := c.policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	params := retry.BackoffParams{PolicyID: c.policy.PolicyID, Scope: req.Method, Key: req.URL.Path}

	var resp *http.Response
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if req.Body != nil && req.GetBody == nil {
				break
			}
			if resp != nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
				resp = nil
			}
			p := params
			p.AttemptIndex = i
			if serr := c.sleep(ctx, retry.ComputeBackoff(p, c.policy)); serr != nil {
				return nil, serr
			}
			if req.GetBody != nil {
				body, berr := req.GetBody()
				if berr != nil {
					return nil, berr
				}
				req.Body = body
			}
		}

		resp, err = c.client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			c.breaker.Success()
			return resp, nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	c.breaker.Failure()
	return resp, err
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker implements a simple state machine for failure detection.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
	now          func() time.Time
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        stateClosed,
		now:          time.Now,
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == stateOpen {
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.now()
	if cb.state == stateHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = stateOpen
	}
}

// Open reports whether the breaker currently rejects calls.
func (cb *CircuitBreaker) Open() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == stateOpen
}
