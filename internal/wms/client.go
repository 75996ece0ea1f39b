package wms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/ndfd-kml-publisher/internal/circuitbreaker"
	"github.com/kjstillabower/ndfd-kml-publisher/internal/observability"
)

// TimeSource yields the most recent timestamp available upstream for a layer.
type TimeSource interface {
	LatestTimestamp(ctx context.Context, layer string) (time.Time, error)
}

var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrRateLimited         = errors.New("rate limited by upstream")
)

// Client talks to a NOAA NDFD WMS endpoint. It fetches GetCapabilities and
// extracts the latest advertised time for a layer, retrying transient
// failures with exponential backoff and jitter.
type Client struct {
	baseURL        string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	limiter        *rate.Limiter
	breaker        *circuitbreaker.CircuitBreaker
	clock          clockwork.Clock
}

// NewClient creates a Client with default retry settings.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	return NewClientWithRetry(baseURL, timeout, 3, 100*time.Millisecond, 2*time.Second)
}

// NewClientWithRetry creates a Client with explicit retry settings.
func NewClientWithRetry(baseURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid WMS base URL %q", baseURL)
	}
	if retryAttempts <= 0 {
		retryAttempts = 1
	}
	return &Client{
		baseURL:        baseURL,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		clock:          clockwork.NewRealClock(),
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetCircuitBreaker wraps capability fetches with the breaker. Optional.
func (c *Client) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// SetRateLimiter throttles upstream calls. Optional; nil means unthrottled.
func (c *Client) SetRateLimiter(l *rate.Limiter) {
	c.limiter = l
}

// SetClock swaps the time source used for the current-hour fallback. Tests
// inject a fake clock for deterministic output.
func (c *Client) SetClock(clock clockwork.Clock) {
	if clock != nil {
		c.clock = clock
	}
}

// LatestTimestamp implements TimeSource. When the capabilities document
// advertises no usable time dimension for the layer, it falls back to the
// current UTC hour truncated down, matching what the map server renders for
// an omitted time parameter.
func (c *Client) LatestTimestamp(ctx context.Context, layer string) (time.Time, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.WMSRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return time.Time{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := c.fetchCapabilities(ctx)
		if err != nil {
			lastErr = err
			if !isRetryable(err) {
				return time.Time{}, err
			}
			continue
		}

		caps, err := parseCapabilities(body)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse capabilities: %w", err)
		}

		ts, err := caps.LatestTime(layer)
		switch {
		case err == nil:
			return ts, nil
		case errors.Is(err, ErrNoTimeDimension):
			observability.WMSTimeFallbacksTotal.Inc()
			return c.clock.Now().UTC().Truncate(time.Hour), nil
		default:
			return time.Time{}, err
		}
	}

	return time.Time{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

// fetchCapabilities performs one GetCapabilities request, honoring the rate
// limiter and circuit breaker when configured.
func (c *Client) fetchCapabilities(ctx context.Context) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	var body []byte
	call := func() error {
		var err error
		body, err = c.doCapabilitiesRequest(ctx)
		return err
	}

	if c.breaker != nil {
		if err := c.breaker.Do(call); err != nil {
			if errors.Is(err, circuitbreaker.ErrOpen) {
				return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
			}
			return nil, err
		}
		return body, nil
	}
	if err := call(); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) doCapabilitiesRequest(ctx context.Context) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildCapabilitiesRequest(reqCtx)
	if err != nil {
		observability.WMSCallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WMSCallsTotal.WithLabelValues("error").Inc()
		observability.WMSCallDurationSeconds.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: request timeout: %v", ErrUpstreamUnavailable, err)
		}
		return nil, fmt.Errorf("%w: http request failed: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WMSCallsTotal.WithLabelValues(status).Inc()
	observability.WMSCallDurationSeconds.WithLabelValues(status).Observe(duration)

	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

func (c *Client) buildCapabilitiesRequest(ctx context.Context) (*http.Request, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid WMS base URL: %w", err)
	}

	params := url.Values{}
	params.Set("service", "WMS")
	params.Set("version", "1.3.0")
	params.Set("request", "GetCapabilities")
	base.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", base.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/xml, text/xml")
	return req, nil
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	return nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamUnavailable)
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
