package queue

import (
	"context"
	"net/http"

	"github.com/vitalog/datalayer/pkg/errors"
)

// HTTPProbe returns a Prober that issues a HEAD request to url. Any response
// below 500 counts as reachable.
func HTTPProbe(client *http.Client, url string) Prober {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return errors.NewError(errors.ErrCodeNetworkError, "probe failed").
				WithComponent("queue").
				WithDetail("url", url).
				WithCause(err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return errors.Newf(errors.ErrCodeNetworkError, "probe returned %d", resp.StatusCode).
				WithComponent("queue").
				WithDetail("url", url).
				WithHTTPStatus(resp.StatusCode)
		}
		return nil
	}
}

// CheckNetwork probes every configured endpoint concurrently; the first
// success wins. It clears or sets the network-error flag accordingly and
// reports whether the network is reachable. With no probes configured the
// network is assumed reachable.
func (q *Queue) CheckNetwork(ctx context.Context) bool {
	online := q.probe(ctx)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return online
	}
	var (
		next    Status
		changed bool
	)
	if online {
		if q.networkDown {
			q.networkDown = false
			if q.recheckTimer != nil {
				q.recheckTimer.Stop()
				q.recheckTimer = nil
			}
			next = q.restingStatusLocked()
			changed = q.transitionLocked(next)
			q.scheduleLocked()
			q.logger.Info("network restored, resuming dispatch", map[string]interface{}{
				"queued": len(q.items),
			})
		}
	} else {
		q.networkDown = true
		next = StatusNetworkError
		if q.rateLimitedUntil.IsZero() {
			changed = q.transitionLocked(next)
		}
		q.scheduleRecheckLocked()
	}
	q.mu.Unlock()

	if changed {
		q.notify(next)
	}
	return online
}

func (q *Queue) probe(ctx context.Context) bool {
	probes := q.config.Probes
	if len(probes) == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, q.config.ProbeTimeout)
	defer cancel()

	results := make(chan error, len(probes))
	for _, p := range probes {
		go func(p Prober) {
			results <- p(ctx)
		}(p)
	}
	for range probes {
		if err := <-results; err == nil {
			return true
		}
	}
	return false
}

// scheduleRecheckLocked arms a single delayed connectivity check.
func (q *Queue) scheduleRecheckLocked() {
	if q.recheckTimer != nil || q.closed {
		return
	}
	q.recheckTimer = q.clock.AfterFunc(q.config.NetworkRecheckDelay, func() {
		q.mu.Lock()
		q.recheckTimer = nil
		if q.closed {
			q.mu.Unlock()
			return
		}
		q.wg.Add(1)
		q.mu.Unlock()

		go func() {
			defer q.wg.Done()
			q.CheckNetwork(context.Background())
		}()
	})
}
