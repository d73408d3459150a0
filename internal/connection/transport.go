package connection

import (
	"context"
	stderr "errors"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/vitalog/datalayer/pkg/clock"
	"github.com/vitalog/datalayer/pkg/errors"
	"github.com/vitalog/datalayer/pkg/retry"
)

var tracer = otel.Tracer("datalayer.connection")

// resilientTransport adds per-attempt timeouts, retry with backoff on
// 429/5xx/network failures, optional pacing and telemetry to every request.
type resilientTransport struct {
	base      http.RoundTripper
	timeout   time.Duration
	attempts  int
	backoff   retry.Config
	limiter   *rate.Limiter
	telemetry *Telemetry
	clock     clock.Clock
	metrics   Recorder
}

func newResilientTransport(cfg Config, telemetry *Telemetry) *resilientTransport {
	t := &resilientTransport{
		base:     cfg.Transport,
		timeout:  cfg.RequestTimeout,
		attempts: cfg.RequestAttempts,
		backoff: retry.Config{
			InitialDelay: cfg.RequestBackoff,
			MaxDelay:     16 * cfg.RequestBackoff,
			Multiplier:   2,
			Jitter:       true,
			Clock:        cfg.Clock,
		},
		telemetry: telemetry,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
	}
	if cfg.RequestsPerSecond > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	return t
}

type retryableStatus struct {
	status int
}

func (e *retryableStatus) Error() string {
	return http.StatusText(e.status)
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func (t *resilientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, span := tracer.Start(req.Context(), "backend "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URL.Path),
		),
	)
	defer span.End()

	// A body that cannot be rewound gets exactly one attempt.
	attempts := t.attempts
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		attempts = 1
	}

	cfg := t.backoff
	cfg.MaxAttempts = attempts
	cfg.ShouldRetry = func(err error) bool {
		var rs *retryableStatus
		if stderr.As(err, &rs) {
			return true
		}
		return errors.Classify(err) == errors.ClassNetwork
	}

	var resp *http.Response
	attempt := 0
	err := retry.New(cfg).DoWithContext(ctx, func(ctx context.Context) error {
		attempt++
		r, err := t.attempt(ctx, req, attempt)
		if err != nil {
			return err
		}
		if isRetryableStatus(r.StatusCode) && attempt < attempts {
			_, _ = io.Copy(io.Discard, r.Body)
			_ = r.Body.Close()
			return &retryableStatus{status: r.StatusCode}
		}
		resp = r
		return nil
	})

	span.SetAttributes(attribute.Int("datalayer.attempts", attempt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	return resp, nil
}

func (t *resilientTransport) attempt(ctx context.Context, req *http.Request, attempt int) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, errors.NewError(errors.ErrCodeOperationCanceled, "request pacing interrupted").
				WithComponent("connection").WithCause(err)
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, t.timeout)
	out := req.Clone(attemptCtx)
	if attempt > 1 && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			cancel()
			return nil, err
		}
		out.Body = body
	}

	start := t.clock.Now()
	resp, err := t.base.RoundTrip(out)
	latency := t.clock.Since(start)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	success := err == nil && !isRetryableStatus(status)
	t.telemetry.Record(Sample{At: t.clock.Now(), Latency: latency, Success: success, Status: status})
	if t.metrics != nil {
		t.metrics.ObserveRequest(req.Method, status, latency, err)
	}

	if err != nil {
		cancel()
		code := errors.ErrCodeNetworkError
		msg := "backend request failed"
		if stderr.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			code = errors.ErrCodeOperationTimeout
			msg = "backend request timed out"
		}
		if stderr.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, errors.NewError(errors.ErrCodeOperationCanceled, "backend request aborted").
				WithComponent("connection").WithCause(err)
		}
		return nil, errors.NewError(code, msg).
			WithComponent("connection").
			WithOperation(req.Method).
			WithCause(err)
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the attempt's timeout once the caller is done with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
