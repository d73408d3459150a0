package queue

import (
	"context"
	stderr "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalog/datalayer/pkg/clock"
	"github.com/vitalog/datalayer/pkg/errors"
	"github.com/vitalog/datalayer/pkg/utils"
)

const window = 100 * time.Millisecond

func newTestQueue(t *testing.T, mutate func(*Config)) (*Queue, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Unix(1700000000, 0))
	cfg := DefaultConfig()
	cfg.Clock = fc
	cfg.Logger = utils.NopLogger()
	if mutate != nil {
		mutate(&cfg)
	}
	q := New(cfg)
	t.Cleanup(func() { _ = q.Close() })
	return q, fc
}

func await(t *testing.T, f *Future) (interface{}, error) {
	t.Helper()
	select {
	case <-f.Done():
		return f.Result()
	case <-time.After(2 * time.Second):
		t.Fatal("future did not settle")
		return nil, nil
	}
}

func value(v interface{}) Operation {
	return func(context.Context) (interface{}, error) { return v, nil }
}

func failing(err error) Operation {
	return func(context.Context) (interface{}, error) { return nil, err }
}

// tick fires the armed debounce timer.
func tick(t *testing.T, fc *clock.Fake) {
	t.Helper()
	require.True(t, fc.BlockUntil(1, time.Second), "no timer armed")
	fc.Advance(window)
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"high", PriorityHigh, false},
		{"Medium", PriorityMedium, false},
		{"", PriorityMedium, false},
		{" low ", PriorityLow, false},
		{"urgent", PriorityMedium, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePriority(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPriorityOrderingWithinBatch(t *testing.T) {
	q, fc := newTestQueue(t, func(c *Config) { c.MaxBatchSize = 4 })
	ctx := context.Background()

	futures := []*Future{
		q.Submit(ctx, value("low"), Options{Priority: PriorityLow, Category: "low"}),
		q.Submit(ctx, value("high-1"), Options{Priority: PriorityHigh, Category: "high-1"}),
		q.Submit(ctx, value("medium"), Options{Priority: PriorityMedium, Category: "medium"}),
		q.Submit(ctx, value("high-2"), Options{Priority: PriorityHigh, Category: "high-2"}),
	}

	q.mu.Lock()
	var order []string
	for _, it := range q.items {
		order = append(order, it.category)
	}
	q.mu.Unlock()
	assert.Equal(t, []string{"high-1", "high-2", "medium", "low"}, order)

	tick(t, fc)
	for _, f := range futures {
		_, err := await(t, f)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, q.Stats().Batches)
}

func TestPriorityOrderingAcrossDispatches(t *testing.T) {
	q, fc := newTestQueue(t, func(c *Config) { c.MaxBatchSize = 1 })
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	record := func(name string) Operation {
		return func(context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}

	fLow := q.Submit(ctx, record("low"), Options{Priority: PriorityLow})
	fHigh1 := q.Submit(ctx, record("high-1"), Options{Priority: PriorityHigh})
	fMed := q.Submit(ctx, record("medium"), Options{Priority: PriorityMedium})
	fHigh2 := q.Submit(ctx, record("high-2"), Options{Priority: PriorityHigh})

	for _, f := range []*Future{fHigh1, fHigh2, fMed, fLow} {
		tick(t, fc)
		_, err := await(t, f)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high-1", "high-2", "medium", "low"}, order)
	assert.EqualValues(t, 4, q.Stats().Batches)
}

func TestZeroPriorityIsMedium(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	q.Submit(ctx, value("low"), Options{Priority: PriorityLow, Category: "low"})
	q.Submit(ctx, value("default"), Options{Category: "default"})
	q.Submit(ctx, value("high"), Options{Priority: PriorityHigh, Category: "high"})

	q.mu.Lock()
	var order []string
	for _, it := range q.items {
		order = append(order, it.category)
	}
	assert.Equal(t, "medium", q.items[1].priority.String())
	q.mu.Unlock()
	assert.Equal(t, []string{"high", "default", "low"}, order)

	var zero Priority
	assert.Equal(t, PriorityMedium, zero)
	parsed, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, zero, parsed)
}

func TestDebounceCoalescesEnqueues(t *testing.T) {
	q, fc := newTestQueue(t, nil)
	ctx := context.Background()

	f1 := q.Submit(ctx, value(1), Options{})
	fc.Advance(window / 2)
	f2 := q.Submit(ctx, value(2), Options{})
	assert.Equal(t, 1, fc.Pending())

	fc.Advance(window / 2)
	v1, err := await(t, f1)
	require.NoError(t, err)
	v2, err := await(t, f2)
	require.NoError(t, err)

	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)
	assert.EqualValues(t, 1, q.Stats().Batches)
}

func TestBatchItemsSettleIndependently(t *testing.T) {
	q, fc := newTestQueue(t, nil)
	ctx := context.Background()

	boom := stderr.New("boom")
	ok := q.Submit(ctx, value("ok"), Options{})
	bad := q.Submit(ctx, failing(boom), Options{})
	panicky := q.Submit(ctx, func(context.Context) (interface{}, error) { panic("kaboom") }, Options{})

	tick(t, fc)

	v, err := await(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	_, err = await(t, bad)
	assert.Same(t, boom, err)

	_, err = await(t, panicky)
	assert.True(t, errors.HasCode(err, errors.ErrCodePanicRecovered))

	stats := q.Stats()
	assert.EqualValues(t, 1, stats.Succeeded)
	assert.EqualValues(t, 2, stats.Failed)
	assert.Equal(t, StatusError.String(), stats.Status)
}

func TestAuthOperationPausesDispatch(t *testing.T) {
	q, fc := newTestQueue(t, nil)
	ctx := context.Background()

	var batchRan atomic.Bool
	batched := q.Submit(ctx, func(context.Context) (interface{}, error) {
		batchRan.Store(true)
		return "read", nil
	}, Options{})

	release := make(chan struct{})
	auth := q.Submit(ctx, func(context.Context) (interface{}, error) {
		<-release
		return "session", nil
	}, Options{Category: CategoryAuth})

	fc.Advance(window)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, batchRan.Load(), "batch dispatched while auth in progress")
	assert.True(t, q.Stats().AuthInProgress)

	close(release)
	v, err := await(t, auth)
	require.NoError(t, err)
	assert.Equal(t, "session", v)

	tick(t, fc)
	v, err = await(t, batched)
	require.NoError(t, err)
	assert.Equal(t, "read", v)
	assert.True(t, batchRan.Load())
}

func TestAuthOperationWaitsForRunningBatch(t *testing.T) {
	q, fc := newTestQueue(t, nil)
	ctx := context.Background()

	batchStarted := make(chan struct{})
	releaseBatch := make(chan struct{})
	batched := q.Submit(ctx, func(context.Context) (interface{}, error) {
		close(batchStarted)
		<-releaseBatch
		return nil, nil
	}, Options{})
	tick(t, fc)
	<-batchStarted

	authStarted := make(chan struct{})
	auth := q.Submit(ctx, func(context.Context) (interface{}, error) {
		close(authStarted)
		return nil, nil
	}, Options{Category: CategoryAuth})

	select {
	case <-authStarted:
		t.Fatal("auth operation interleaved with a running batch")
	case <-time.After(30 * time.Millisecond):
	}

	close(releaseBatch)
	_, err := await(t, batched)
	require.NoError(t, err)
	_, err = await(t, auth)
	require.NoError(t, err)
}

func TestBypassRunsImmediately(t *testing.T) {
	q, _ := newTestQueue(t, nil)

	f := q.Submit(context.Background(), value("now"), Options{BypassBatching: true})
	v, err := await(t, f)
	require.NoError(t, err)
	assert.Equal(t, "now", v)
	assert.EqualValues(t, 1, q.Stats().Bypassed)
	assert.EqualValues(t, 0, q.Stats().Batches)
}

func TestExternalAuthStatus(t *testing.T) {
	q, fc := newTestQueue(t, nil)

	q.SetAuthOperationStatus(true)
	f := q.Submit(context.Background(), value(1), Options{})
	assert.Equal(t, 0, fc.Pending(), "no dispatch is scheduled while paused")

	q.SetAuthOperationStatus(false)
	tick(t, fc)
	_, err := await(t, f)
	require.NoError(t, err)
}

func TestRateLimitCooldown(t *testing.T) {
	q, fc := newTestQueue(t, func(c *Config) { c.MaxBatchSize = 1 })
	ctx := context.Background()

	var statuses []Status
	var smu sync.Mutex
	q.AddListener("test", func(s Status) {
		smu.Lock()
		statuses = append(statuses, s)
		smu.Unlock()
	})

	limited := errors.NewError(errors.ErrCodeRateLimited, "too many requests").WithHTTPStatus(429)
	first := q.Submit(ctx, failing(limited), Options{Priority: PriorityHigh})
	var secondRan atomic.Bool
	second := q.Submit(ctx, func(context.Context) (interface{}, error) {
		secondRan.Store(true)
		return "later", nil
	}, Options{Priority: PriorityLow})

	tick(t, fc)
	_, err := await(t, first)
	require.Error(t, err)
	assert.True(t, errors.IsRateLimit(err))
	require.Eventually(t, func() bool { return q.Status() == StatusRateLimited }, time.Second, time.Millisecond)

	stats := q.Stats()
	assert.EqualValues(t, 1, stats.RateLimitEvents)
	assert.Equal(t, 1, stats.QueueLength)
	assert.Equal(t, fc.Now().Add(60*time.Second), stats.RateLimitedUntil)

	fc.Advance(59 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, secondRan.Load(), "dispatched during cool-down")

	fc.Advance(time.Second)
	tick(t, fc)
	v, err := await(t, second)
	require.NoError(t, err)
	assert.Equal(t, "later", v)

	require.Eventually(t, func() bool {
		smu.Lock()
		defer smu.Unlock()
		return len(statuses) > 0 && statuses[len(statuses)-1] == StatusSuccess
	}, time.Second, time.Millisecond)
	smu.Lock()
	defer smu.Unlock()
	assert.Contains(t, statuses, StatusRateLimited)
}

func TestNetworkErrorRequeuesItem(t *testing.T) {
	q, fc := newTestQueue(t, nil)

	var calls atomic.Int32
	f := q.Submit(context.Background(), func(context.Context) (interface{}, error) {
		if calls.Add(1) == 1 {
			return nil, errors.NewError(errors.ErrCodeNetworkError, "failed to fetch")
		}
		return "recovered", nil
	}, Options{RetryOnNetworkError: true, MaxRetries: 2})

	tick(t, fc)
	require.Eventually(t, func() bool { return q.Status() == StatusNetworkError }, time.Second, time.Millisecond)
	assert.True(t, q.Stats().NetworkDown)
	assert.Equal(t, 1, q.Len())

	// The recheck finds the network reachable and schedules the next dispatch.
	fc.Advance(5 * time.Second)
	tick(t, fc)

	v, err := await(t, f)
	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
	assert.EqualValues(t, 2, calls.Load())

	stats := q.Stats()
	assert.EqualValues(t, 1, stats.Retried)
	assert.False(t, stats.NetworkDown)
}

func TestAbandonedItemDoesNotPauseQueue(t *testing.T) {
	q, fc := newTestQueue(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	abandoned := q.Submit(ctx, func(context.Context) (interface{}, error) {
		calls.Add(1)
		cancel()
		// A transport that lost its caller mid-request reports a network failure.
		return nil, errors.NewError(errors.ErrCodeNetworkError, "backend request failed")
	}, Options{RetryOnNetworkError: true, MaxRetries: 3})

	tick(t, fc)
	_, err := await(t, abandoned)
	require.Error(t, err)
	assert.Equal(t, errors.ClassCancelled, errors.Classify(err))
	assert.EqualValues(t, 1, calls.Load(), "abandoned items are not requeued")

	stats := q.Stats()
	assert.False(t, stats.NetworkDown)
	assert.EqualValues(t, 0, stats.Retried)
	assert.EqualValues(t, 0, stats.NetworkErrors)
	assert.NotEqual(t, StatusNetworkError, q.Status())

	// Other callers keep being served without waiting for a recheck.
	next := q.Submit(context.Background(), value("next"), Options{})
	tick(t, fc)
	v, err := await(t, next)
	require.NoError(t, err)
	assert.Equal(t, "next", v)
}

func TestItemCancelledBeforeDispatchIsNotRun(t *testing.T) {
	q, fc := newTestQueue(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	f := q.Submit(ctx, func(context.Context) (interface{}, error) {
		ran.Store(true)
		return nil, nil
	}, Options{})
	cancel()

	tick(t, fc)
	_, err := await(t, f)
	assert.True(t, errors.HasCode(err, errors.ErrCodeOperationCanceled))
	assert.False(t, ran.Load())
	assert.False(t, q.Stats().NetworkDown)
}

func TestNetworkErrorWithoutOptInRejects(t *testing.T) {
	q, fc := newTestQueue(t, nil)

	netErr := errors.NewError(errors.ErrCodeNetworkError, "connection reset")
	f := q.Submit(context.Background(), failing(netErr), Options{})
	tick(t, fc)

	_, err := await(t, f)
	assert.Same(t, netErr, err)
	assert.EqualValues(t, 0, q.Stats().Retried)
}

func TestNetworkRetryBudget(t *testing.T) {
	q, fc := newTestQueue(t, nil)

	var calls atomic.Int32
	f := q.Submit(context.Background(), func(context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, errors.NewError(errors.ErrCodeNetworkError, "offline")
	}, Options{RetryOnNetworkError: true, MaxRetries: 1})

	tick(t, fc)
	fc.Advance(5 * time.Second)
	tick(t, fc)

	_, err := await(t, f)
	assert.True(t, errors.IsNetwork(err))
	assert.EqualValues(t, 2, calls.Load())
}

func TestDataErrorsAreNotRetried(t *testing.T) {
	q, fc := newTestQueue(t, nil)

	constraint := errors.NewError(errors.ErrCodeConstraintViolation, "duplicate key value").WithBackendCode("23505")
	f := q.Submit(context.Background(), failing(constraint), Options{RetryOnNetworkError: true})
	tick(t, fc)

	_, err := await(t, f)
	assert.Same(t, constraint, err)
	stats := q.Stats()
	assert.EqualValues(t, 0, stats.Retried)
	assert.False(t, stats.NetworkDown)
}

func TestCheckNetworkFirstSuccessWins(t *testing.T) {
	var online atomic.Bool
	q, _ := newTestQueue(t, func(c *Config) {
		c.Probes = []Prober{
			func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
			func(context.Context) error {
				if online.Load() {
					return nil
				}
				return stderr.New("unreachable")
			},
		}
		c.ProbeTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()

	assert.False(t, q.CheckNetwork(ctx))
	assert.Equal(t, StatusNetworkError, q.Status())
	assert.True(t, q.Stats().NetworkDown)

	online.Store(true)
	assert.True(t, q.CheckNetwork(ctx))
	assert.False(t, q.Stats().NetworkDown)
	assert.Equal(t, StatusIdle, q.Status())
}

func TestClearRejectsQueuedItems(t *testing.T) {
	q, fc := newTestQueue(t, nil)
	ctx := context.Background()

	futures := []*Future{
		q.Submit(ctx, value(1), Options{}),
		q.Submit(ctx, value(2), Options{}),
		q.Submit(ctx, value(3), Options{}),
	}
	assert.Equal(t, 3, q.Clear())
	assert.Equal(t, 0, fc.Pending())
	assert.Equal(t, StatusIdle, q.Status())

	for _, f := range futures {
		_, err := await(t, f)
		assert.True(t, errors.HasCode(err, errors.ErrCodeQueueCleared))
	}
	assert.EqualValues(t, 3, q.Stats().Cleared)
}

func TestClearKeepsCooldownStatus(t *testing.T) {
	q, fc := newTestQueue(t, func(c *Config) { c.MaxBatchSize = 1 })
	ctx := context.Background()

	limited := errors.NewError(errors.ErrCodeRateLimited, "too many requests").WithHTTPStatus(429)
	first := q.Submit(ctx, failing(limited), Options{Priority: PriorityHigh})
	q.Submit(ctx, value("queued"), Options{})
	tick(t, fc)
	_, err := await(t, first)
	require.Error(t, err)
	require.Eventually(t, func() bool { return q.Status() == StatusRateLimited }, time.Second, time.Millisecond)

	var statuses []Status
	var smu sync.Mutex
	q.AddListener("test", func(s Status) {
		smu.Lock()
		statuses = append(statuses, s)
		smu.Unlock()
	})

	assert.Equal(t, 1, q.Clear())
	assert.Equal(t, StatusRateLimited, q.Status())

	var ran atomic.Bool
	later := q.Submit(ctx, func(context.Context) (interface{}, error) {
		ran.Store(true)
		return "later", nil
	}, Options{})
	assert.Equal(t, StatusRateLimited, q.Status())
	assert.False(t, ran.Load())
	smu.Lock()
	assert.Empty(t, statuses, "no transition while the cool-down holds")
	smu.Unlock()

	fc.Advance(60 * time.Second)
	require.Eventually(t, func() bool { return q.Status() == StatusPending }, time.Second, time.Millisecond)
	tick(t, fc)
	v, err := await(t, later)
	require.NoError(t, err)
	assert.Equal(t, "later", v)
}

func TestEnqueueTyped(t *testing.T) {
	q, fc := newTestQueue(t, nil)

	type row struct{ ID int }
	done := make(chan struct{})
	var got []row
	var err error
	go func() {
		defer close(done)
		got, err = Enqueue(context.Background(), q, func(context.Context) ([]row, error) {
			return []row{{ID: 7}}, nil
		}, Options{Category: "categories"})
	}()

	tick(t, fc)
	<-done
	require.NoError(t, err)
	assert.Equal(t, []row{{ID: 7}}, got)
}

func TestEnqueueCallerGivesUp(t *testing.T) {
	q, _ := newTestQueue(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Enqueue(ctx, q, func(context.Context) (int, error) { return 1, nil }, Options{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeOperationCanceled))
	assert.Equal(t, 1, q.Len(), "abandoning the wait leaves the item queued")
}

func TestListenersSubscribeAndRemove(t *testing.T) {
	q, fc := newTestQueue(t, nil)

	var a, b []Status
	var mu sync.Mutex
	q.AddListener("a", func(s Status) {
		mu.Lock()
		a = append(a, s)
		mu.Unlock()
	})
	unsubscribe := q.Subscribe(func(s Status) {
		mu.Lock()
		b = append(b, s)
		mu.Unlock()
	})
	q.AddListener("panics", func(Status) { panic("listener bug") })

	f := q.Submit(context.Background(), value(1), Options{})
	tick(t, fc)
	_, err := await(t, f)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(a) == 2
	}, time.Second, time.Millisecond)

	unsubscribe()
	assert.True(t, q.RemoveListener("a"))
	assert.False(t, q.RemoveListener("a"))
	q.Clear()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusPending, StatusSuccess}, a)
	assert.Equal(t, []Status{StatusPending, StatusSuccess}, b)
}

func TestCloseRejectsPendingAndNewWork(t *testing.T) {
	q, _ := newTestQueue(t, nil)

	f := q.Submit(context.Background(), value(1), Options{})
	require.NoError(t, q.Close())

	_, err := await(t, f)
	assert.True(t, errors.HasCode(err, errors.ErrCodeShutdownInProgress))

	late := q.Submit(context.Background(), value(2), Options{})
	_, err = await(t, late)
	assert.True(t, errors.HasCode(err, errors.ErrCodeShutdownInProgress))
}
