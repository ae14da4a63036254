// Package comm implements the participant communicator: a typed
// request/response channel to the saga participants with retries, timeouts
// and per-participant circuit breakers.
package comm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"saga-coordinator/internal/config"
	"saga-coordinator/internal/observability"
)

const healthProbeTimeout = 2 * time.Second

// Client sends action and compensation requests to named participants.
// Descriptors are resolved once at construction; the connection pool is
// shared across all sagas.
type Client struct {
	httpClient     *http.Client
	participants   map[config.Participant]config.Descriptor
	breakers       map[config.Participant]*gobreaker.CircuitBreaker
	maxAttempts    int
	backoffBase    time.Duration
	backoffMax     time.Duration
	defaultTimeout time.Duration
	logger         *zap.Logger
	metrics        *observability.Collector

	// sleep is swapped in tests to observe the backoff schedule.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a communicator from the resolved configuration.
func New(cfg *config.Config, logger *zap.Logger, metrics *observability.Collector) *Client {
	breakers := make(map[config.Participant]*gobreaker.CircuitBreaker, len(cfg.Participants))
	for name := range cfg.Participants {
		p := name
		breakers[p] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(p),
			MaxRequests: 5,
			Interval:    30 * time.Second,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < 5 {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.8
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("participant circuit breaker state changed",
					zap.String("participant", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
	}

	maxAttempts := cfg.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		participants:   cfg.Participants,
		breakers:       breakers,
		maxAttempts:    maxAttempts,
		backoffBase:    cfg.BackoffBase,
		backoffMax:     cfg.BackoffMax,
		defaultTimeout: cfg.RequestTimeout,
		logger:         logger,
		metrics:        metrics,
		sleep:          sleepContext,
	}
}

// Send issues one logical request to a participant, retrying transient
// failures with exponential backoff. On success it returns the decoded JSON
// body; every failure is a *comm.Error.
func (c *Client) Send(ctx context.Context, participant, endpoint, method string, body any, timeout time.Duration) (json.RawMessage, error) {
	desc, ok := c.participants[config.Participant(participant)]
	if !ok {
		return nil, &Error{Kind: KindUnknownParticipant, Participant: participant, Endpoint: endpoint}
	}

	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut:
	default:
		return nil, &Error{
			Kind:        KindUnknownParticipant,
			Participant: participant,
			Endpoint:    endpoint,
			Err:         fmt.Errorf("unsupported HTTP method %s", method),
		}
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: KindDecodeError, Participant: participant, Endpoint: endpoint, Err: err}
		}
	}

	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	var lastErr *Error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		response, err := c.attempt(ctx, desc, endpoint, method, payload, timeout)
		if err == nil {
			c.metrics.ParticipantRequests.WithLabelValues(participant, "success").Inc()
			c.logger.Debug("participant request succeeded",
				zap.String("participant", participant),
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt),
			)
			return response, nil
		}

		lastErr = err
		lastErr.Attempts = attempt
		c.metrics.ParticipantRequests.WithLabelValues(participant, "failure").Inc()

		if !err.Retryable() {
			c.logger.Warn("participant request failed",
				zap.String("participant", participant),
				zap.String("endpoint", endpoint),
				zap.String("kind", string(err.Kind)),
				zap.Int("attempt", attempt),
				zap.Error(err.Err),
			)
			return nil, lastErr
		}

		if attempt == c.maxAttempts {
			break
		}

		delay := c.backoffDelay(attempt)
		c.metrics.ParticipantRetries.WithLabelValues(participant).Inc()
		c.logger.Warn("participant request failed, retrying",
			zap.String("participant", participant),
			zap.String("endpoint", endpoint),
			zap.String("kind", string(err.Kind)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err.Err),
		)

		if err := c.sleep(ctx, delay); err != nil {
			return nil, &Error{
				Kind:        KindTimeout,
				Participant: participant,
				Endpoint:    endpoint,
				Attempts:    attempt,
				Err:         err,
			}
		}
	}

	c.logger.Error("participant retries exhausted",
		zap.String("participant", participant),
		zap.String("endpoint", endpoint),
		zap.Int("attempts", c.maxAttempts),
		zap.Error(lastErr),
	)
	return nil, &Error{
		Kind:        KindRetriesExhausted,
		Participant: participant,
		Endpoint:    endpoint,
		StatusCode:  lastErr.StatusCode,
		Attempts:    c.maxAttempts,
		Err:         lastErr,
	}
}

// attempt performs a single HTTP exchange through the participant's circuit
// breaker.
func (c *Client) attempt(ctx context.Context, desc config.Descriptor, endpoint, method string, payload []byte, timeout time.Duration) (json.RawMessage, *Error) {
	participant := string(desc.Name)
	breaker := c.breakers[desc.Name]

	result, err := breaker.Execute(func() (any, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(attemptCtx, method, desc.BaseURL+endpoint, reader)
		if err != nil {
			return nil, &Error{Kind: KindConnectFailed, Participant: participant, Endpoint: endpoint, Err: err}
		}
		if method != http.MethodGet {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, classifyTransportError(participant, endpoint, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &Error{Kind: KindDecodeError, Participant: participant, Endpoint: endpoint, Err: err}
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &Error{
				Kind:        KindBadStatus,
				Participant: participant,
				Endpoint:    endpoint,
				StatusCode:  resp.StatusCode,
				Err:         fmt.Errorf("unexpected status %s", resp.Status),
			}
		}

		if len(raw) == 0 || !json.Valid(raw) {
			return nil, &Error{
				Kind:        KindDecodeError,
				Participant: participant,
				Endpoint:    endpoint,
				Err:         errors.New("response body is not valid JSON"),
			}
		}

		return json.RawMessage(raw), nil
	})

	if err != nil {
		if ce, ok := err.(*Error); ok {
			return nil, ce
		}
		// The breaker rejected the call before it reached the network; the
		// participant is unreachable as far as the caller is concerned.
		return nil, &Error{Kind: KindConnectFailed, Participant: participant, Endpoint: endpoint, Err: err}
	}

	return result.(json.RawMessage), nil
}

// ProbeHealth sends a GET to the participant's health endpoint with a short
// timeout and reports reachability.
func (c *Client) ProbeHealth(ctx context.Context, participant string) bool {
	desc, ok := c.participants[config.Participant(participant)]
	if !ok {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, desc.BaseURL+desc.HealthPath, nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

// ProbeAll checks every participant concurrently.
func (c *Client) ProbeAll(ctx context.Context) map[string]bool {
	type probe struct {
		participant string
		healthy     bool
	}

	results := make(chan probe, len(c.participants))
	for name := range c.participants {
		go func(p string) {
			results <- probe{participant: p, healthy: c.ProbeHealth(ctx, p)}
		}(string(name))
	}

	health := make(map[string]bool, len(c.participants))
	for range c.participants {
		r := <-results
		health[r.participant] = r.healthy
	}
	return health
}

// backoffDelay computes the exponential delay before the next attempt:
// base * 2^(attempt-1), capped at the configured maximum.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.backoffMax {
			return c.backoffMax
		}
	}
	if delay > c.backoffMax {
		return c.backoffMax
	}
	return delay
}

func classifyTransportError(participant, endpoint string, err error) *Error {
	kind := KindConnectFailed
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	} else {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = KindTimeout
		}
	}
	return &Error{Kind: kind, Participant: participant, Endpoint: endpoint, Err: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
