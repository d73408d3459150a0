package datalayer

import (
	"context"

	"github.com/vitalog/datalayer/internal/backend"
	"github.com/vitalog/datalayer/internal/queue"
)

// Mutation changes backend data.
type Mutation func(ctx context.Context, client backend.Client) (interface{}, error)

// MutateOptions controls a write and what it invalidates on success.
type MutateOptions struct {
	// Tags, Params and Keys select the cache entries the write makes stale.
	Tags   []string
	Params map[string]interface{}
	Keys   []string

	Priority            queue.Priority
	Category            string
	BypassBatching      bool
	RetryOnNetworkError bool
	MaxRetries          int
}

// Mutate runs m through the queue and invalidates the affected cache entries
// once it succeeds.
func (s *Service) Mutate(ctx context.Context, m Mutation, opts MutateOptions) (interface{}, error) {
	fut := s.queue.Submit(ctx, func(ctx context.Context) (interface{}, error) {
		h, err := s.conn.Get(ctx)
		if err != nil {
			return nil, err
		}
		data, err := m(ctx, h.Client())
		if err != nil {
			return nil, err
		}
		s.invalidate(opts)
		return data, nil
	}, queue.Options{
		Priority:            opts.Priority,
		Category:            opts.Category,
		BypassBatching:      opts.BypassBatching,
		RetryOnNetworkError: opts.RetryOnNetworkError,
		MaxRetries:          opts.MaxRetries,
	})
	return fut.Wait(ctx)
}

func (s *Service) invalidate(opts MutateOptions) {
	removed := 0
	if len(opts.Tags) > 0 {
		removed += s.cache.InvalidateByTags(opts.Tags...)
	}
	if len(opts.Params) > 0 {
		removed += s.cache.InvalidateByParams(opts.Params)
	}
	for _, key := range opts.Keys {
		if s.cache.Delete(key) {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("mutation invalidated cache entries", map[string]interface{}{
			"removed": removed,
			"tags":    opts.Tags,
		})
	}
}

// Invalidate drops every cache entry carrying any of tags.
func (s *Service) Invalidate(tags ...string) int {
	return s.cache.InvalidateByTags(tags...)
}

// AuthOperation runs against the backend's auth API.
type AuthOperation func(ctx context.Context, auth backend.Auth) (interface{}, error)

// Auth runs op in isolation: batch dispatch is paused until it finishes.
func (s *Service) Auth(ctx context.Context, op AuthOperation) (interface{}, error) {
	return queue.Enqueue(ctx, s.queue, func(ctx context.Context) (interface{}, error) {
		h, err := s.conn.Get(ctx)
		if err != nil {
			return nil, err
		}
		return op(ctx, h.Client().Auth())
	}, queue.Options{Priority: queue.PriorityHigh, Category: queue.CategoryAuth})
}

// SignIn starts a password session.
func (s *Service) SignIn(ctx context.Context, email, password string) (*backend.Session, error) {
	return queue.Enqueue(ctx, s.queue, func(ctx context.Context) (*backend.Session, error) {
		h, err := s.conn.Get(ctx)
		if err != nil {
			return nil, err
		}
		return h.Client().Auth().SignInWithPassword(ctx, email, password)
	}, queue.Options{Priority: queue.PriorityHigh, Category: queue.CategoryAuth})
}

// SignOut ends the session and drops every cached query, since cached data
// belongs to the signed-out user.
func (s *Service) SignOut(ctx context.Context) error {
	_, err := queue.Enqueue(ctx, s.queue, func(ctx context.Context) (struct{}, error) {
		h, err := s.conn.Get(ctx)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, h.Client().Auth().SignOut(ctx)
	}, queue.Options{Priority: queue.PriorityHigh, Category: queue.CategoryAuth})
	if err != nil {
		return err
	}
	s.cache.Clear()
	s.forget()
	return nil
}
