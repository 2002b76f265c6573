// Package replay dispatches one assembled request and captures the response.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/httpclient"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/logger"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/ratelimit"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/telemetry"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

type Config struct {
	// Timeout bounds each attempt.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryDelay is multiplied by the attempt number (linear backoff).
	RetryDelay   time.Duration
	MaxBodyBytes int64
	UserAgent    string
}

func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		MaxRetries:   2,
		RetryDelay:   500 * time.Millisecond,
		MaxBodyBytes: 2 << 20,
	}
}

// Replayer is safe for concurrent use.
type Replayer struct {
	client  *http.Client
	limiter *ratelimit.Limiter
	cfg     Config
	logger  *logger.Logger
	metrics telemetry.Telemetry
}

func New(client *http.Client, limiter *ratelimit.Limiter, cfg Config, log *logger.Logger, metrics telemetry.Telemetry) *Replayer {
	if client == nil {
		client = httpclient.NewClient(httpclient.ClientConfig{Timeout: cfg.Timeout})
	}
	if log == nil {
		log = logger.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	return &Replayer{
		client:  client,
		limiter: limiter,
		cfg:     cfg,
		logger:  log.WithComponent("replay"),
		metrics: metrics,
	}
}

// Do sends req with bounded linear retries on transport errors. HTTP error
// statuses are responses, not failures, and are never retried.
func (r *Replayer) Do(ctx context.Context, req *types.ParsedRequest) (*types.HTTPResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var resp *types.HTTPResponse
	attempts := 0
	op := func() error {
		attempts++
		if err := r.limiter.WaitForHost(ctx, req.URL.Host); err != nil {
			return backoff.Permanent(err)
		}
		out, err := r.send(ctx, req)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, types.ErrInvalidRequest) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = out
		return nil
	}

	var policy backoff.BackOff = &linearBackOff{step: r.cfg.RetryDelay}
	policy = backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(r.cfg.MaxRetries, 0))), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		r.logger.Debugw("Retrying request",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"attempt", attempts,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch %s %s after %d attempt(s): %w", req.Method, req.URL.Redacted(), attempts, err)
	}
	resp.Attempts = attempts
	return resp, nil
}

// DoOnce sends req exactly once, without pacing. Used inside concurrency
// groups, where the group timeout bounds the worst case and pacing would
// defeat the barrier.
func (r *Replayer) DoOnce(ctx context.Context, req *types.ParsedRequest) (*types.HTTPResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	resp, err := r.send(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Attempts = 1
	return resp, nil
}

func (r *Replayer) send(ctx context.Context, req *types.ParsedRequest) (*types.HTTPResponse, error) {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidRequest, err)
	}
	httpReq.Header = req.Header.Clone()
	if host := httpReq.Header.Get("Host"); host != "" {
		httpReq.Host = host
		httpReq.Header.Del("Host")
	}
	if r.cfg.UserAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", r.cfg.UserAgent)
	}

	start := time.Now()
	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpclient.CloseBody(httpResp)

	b, truncated, readErr := httpclient.ReadBody(httpResp, r.cfg.MaxBodyBytes)
	duration := time.Since(start)
	if readErr != nil && !errors.Is(readErr, context.Canceled) {
		r.logger.Debugw("Response body read incomplete", "url", req.URL.Redacted(), "error", readErr)
	}

	r.metrics.RecordDispatch(duration, httpResp.StatusCode)
	r.logger.LogHTTPRequest(ctx, req.Method, req.URL.Redacted(), httpResp.StatusCode, duration)

	return &types.HTTPResponse{
		Status:     httpResp.StatusCode,
		Headers:    httpResp.Header.Clone(),
		Body:       string(b),
		DurationMs: duration.Milliseconds(),
		Truncated:  truncated,
	}, nil
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.step * time.Duration(b.n)
}

func (b *linearBackOff) Reset() { b.n = 0 }
