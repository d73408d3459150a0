package datalayer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vitalog/datalayer/internal/backend"
	"github.com/vitalog/datalayer/internal/cache"
	"github.com/vitalog/datalayer/internal/metrics"
	"github.com/vitalog/datalayer/internal/queue"
	"github.com/vitalog/datalayer/pkg/errors"
)

// Fetcher loads fresh data for a cache key from the backend.
type Fetcher func(ctx context.Context, client backend.Client) (interface{}, error)

// ReadOptions controls a single read.
type ReadOptions struct {
	// TTL overrides the cache default for the fetched data.
	TTL    time.Duration
	Tags   []string
	Params map[string]interface{}

	Priority queue.Priority
	Category string

	// AllowStale serves expired data while a refresh runs in the background.
	AllowStale bool
	// Refresh skips the cache and always fetches.
	Refresh bool
	// OnRefresh receives the fresh data once a background refresh lands.
	OnRefresh func(data interface{})
}

// ReadResult is the outcome of a read.
type ReadResult struct {
	Data  interface{}
	Stale bool
	// Source is metrics.SourceCache, metrics.SourceStale or metrics.SourceBackend.
	Source string
}

type refresh struct {
	fetch Fetcher
	opts  ReadOptions
}

// Read serves key from the cache, falling back to fetch through the queue on
// a miss. Stale data is returned immediately and refreshed in the background.
func (s *Service) Read(ctx context.Context, key string, fetch Fetcher, opts ReadOptions) (ReadResult, error) {
	start := s.clock.Now()
	s.remember(key, fetch, opts)

	if !opts.Refresh {
		res := s.cache.Get(key, cache.GetOptions{
			AllowStale:    opts.AllowStale,
			Revalidate:    true,
			OnRevalidated: opts.OnRefresh,
		})
		if res.Found {
			source := metrics.SourceCache
			if res.IsStale {
				source = metrics.SourceStale
			}
			s.metrics.RecordRead(source, s.clock.Since(start), nil)
			return ReadResult{Data: res.Data, Stale: res.IsStale, Source: source}, nil
		}
	}

	data, err := s.load(ctx, key, fetch, opts).Wait(ctx)
	s.metrics.RecordRead(metrics.SourceBackend, s.clock.Since(start), err)
	if err != nil {
		return ReadResult{}, err
	}
	return ReadResult{Data: data, Source: metrics.SourceBackend}, nil
}

// ReadAs is Read with a typed fetcher. Data restored from a snapshot is
// decoded into T.
func ReadAs[T any](ctx context.Context, s *Service, key string, fetch func(ctx context.Context, client backend.Client) (T, error), opts ReadOptions) (T, ReadResult, error) {
	var zero T
	res, err := s.Read(ctx, key, func(ctx context.Context, client backend.Client) (interface{}, error) {
		return fetch(ctx, client)
	}, opts)
	if err != nil {
		return zero, res, err
	}

	switch v := res.Data.(type) {
	case T:
		return v, res, nil
	case json.RawMessage:
		var out T
		if err := json.Unmarshal(v, &out); err != nil {
			return zero, res, errors.NewError(errors.ErrCodeValidationFailed, "cached data does not decode").
				WithComponent("datalayer").WithDetail("key", key).WithCause(err)
		}
		return out, res, nil
	default:
		return zero, res, errors.NewError(errors.ErrCodeValidationFailed,
			fmt.Sprintf("cached data has type %T", res.Data)).
			WithComponent("datalayer").WithDetail("key", key)
	}
}

// load queues fetch and stores its result. The fetch runs detached from the
// caller's cancellation, so the result is cached even when the caller stops
// waiting. Request timeouts still bound it.
func (s *Service) load(ctx context.Context, key string, fetch Fetcher, opts ReadOptions) *queue.Future {
	return s.queue.Submit(context.WithoutCancel(ctx), func(ctx context.Context) (interface{}, error) {
		h, err := s.conn.Get(ctx)
		if err != nil {
			return nil, err
		}
		data, err := fetch(ctx, h.Client())
		if err != nil {
			return nil, err
		}
		s.cache.Set(key, data, cache.SetOptions{
			TTL:         opts.TTL,
			Tags:        opts.Tags,
			QueryParams: opts.Params,
		})
		return data, nil
	}, queue.Options{
		Priority:            opts.Priority,
		Category:            opts.Category,
		RetryOnNetworkError: true,
	})
}

func (s *Service) remember(key string, fetch Fetcher, opts ReadOptions) {
	opts.OnRefresh = nil
	s.fetchMu.Lock()
	s.fetchers[key] = refresh{fetch: fetch, opts: opts}
	s.fetchMu.Unlock()
}

func (s *Service) forget(keys ...string) {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	if len(keys) == 0 {
		s.fetchers = make(map[string]refresh)
		return
	}
	for _, k := range keys {
		delete(s.fetchers, k)
	}
}

// revalidate refreshes a stale key at low priority. It never blocks the read
// that triggered it.
func (s *Service) revalidate(key string) {
	s.fetchMu.Lock()
	r, ok := s.fetchers[key]
	s.fetchMu.Unlock()
	if !ok {
		s.cache.AbandonRevalidation(key)
		s.logger.Debug("no fetcher for stale key", map[string]interface{}{"key": key})
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.cache.AbandonRevalidation(key)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	opts := r.opts
	opts.Priority = queue.PriorityLow
	fut := s.load(s.ctx, key, r.fetch, opts)

	go func() {
		defer s.wg.Done()
		if _, err := fut.Wait(s.ctx); err != nil {
			s.cache.AbandonRevalidation(key)
			s.logger.Warn("background refresh failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}()
}
