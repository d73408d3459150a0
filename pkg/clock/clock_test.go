package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := NewFake(start)

	var fired []string
	fc.AfterFunc(200*time.Millisecond, func() { fired = append(fired, "b") })
	fc.AfterFunc(100*time.Millisecond, func() { fired = append(fired, "a") })
	fc.AfterFunc(200*time.Millisecond, func() { fired = append(fired, "c") })

	fc.Advance(150 * time.Millisecond)
	assert.Equal(t, []string{"a"}, fired)
	assert.Equal(t, start.Add(150*time.Millisecond), fc.Now())

	fc.Advance(50 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 0, fc.Pending())
}

func TestFakeTimerStop(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))
	called := false
	timer := fc.AfterFunc(time.Second, func() { called = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	fc.Advance(2 * time.Second)
	assert.False(t, called)
}

func TestFakeTimerScheduledFromCallback(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))
	var at []time.Duration
	fc.AfterFunc(time.Second, func() {
		at = append(at, fc.Since(time.Unix(0, 0)))
		fc.AfterFunc(time.Second, func() {
			at = append(at, fc.Since(time.Unix(0, 0)))
		})
	})

	fc.Advance(3 * time.Second)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, at)
}

func TestFakeTicker(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))
	tk := fc.NewTicker(time.Minute)

	fc.Advance(time.Minute)
	select {
	case <-tk.C():
	default:
		t.Fatal("expected a tick")
	}

	tk.Stop()
	fc.Advance(time.Minute)
	select {
	case <-tk.C():
		t.Fatal("ticker fired after Stop")
	default:
	}
}

func TestFakeSleep(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))
	done := make(chan error, 1)
	go func() { done <- fc.Sleep(context.Background(), 5*time.Second) }()

	require.True(t, fc.BlockUntil(1, time.Second))
	fc.Advance(5 * time.Second)
	require.NoError(t, <-done)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { done <- fc.Sleep(ctx, time.Hour) }()
	require.True(t, fc.BlockUntil(1, time.Second))
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRealSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Real().Sleep(ctx, time.Hour), context.Canceled)
}
