package connection

import (
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Sample is one recorded request attempt.
type Sample struct {
	At      time.Time     `json:"at"`
	Latency time.Duration `json:"latency"`
	Success bool          `json:"success"`
	Status  int           `json:"status,omitempty"`
}

// Telemetry keeps a capped ring of recent attempts plus lifetime counters.
type Telemetry struct {
	mu                  sync.Mutex
	samples             []Sample
	next                int
	full                bool
	total               uint64
	failures            uint64
	consecutiveFailures int
}

// NewTelemetry returns a Telemetry holding at most capacity samples.
func NewTelemetry(capacity int) *Telemetry {
	if capacity <= 0 {
		capacity = 100
	}
	return &Telemetry{samples: make([]Sample, capacity)}
}

// Record appends s, evicting the oldest sample when full.
func (t *Telemetry) Record(s Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples[t.next] = s
	t.next = (t.next + 1) % len(t.samples)
	if t.next == 0 {
		t.full = true
	}

	t.total++
	if s.Success {
		t.consecutiveFailures = 0
	} else {
		t.failures++
		t.consecutiveFailures++
	}
}

// Snapshot returns the retained samples, oldest first.
func (t *Telemetry) Snapshot() []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full {
		out := make([]Sample, t.next)
		copy(out, t.samples[:t.next])
		return out
	}
	out := make([]Sample, 0, len(t.samples))
	out = append(out, t.samples[t.next:]...)
	out = append(out, t.samples[:t.next]...)
	return out
}

// Totals returns lifetime attempts, lifetime failures and the current failure streak.
func (t *Telemetry) Totals() (total, failures uint64, consecutive int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total, t.failures, t.consecutiveFailures
}

// Summary describes the samples inside a trailing window.
type Summary struct {
	Samples        int           `json:"samples"`
	SuccessRate    float64       `json:"success_rate"`
	AverageLatency time.Duration `json:"average_latency"`
	P50Latency     time.Duration `json:"p50_latency"`
	P95Latency     time.Duration `json:"p95_latency"`
}

// Summarize computes a Summary over samples newer than now-window.
// An empty window reports a success rate of 1.
func (t *Telemetry) Summarize(now time.Time, window time.Duration) Summary {
	samples := t.Snapshot()
	cutoff := now.Add(-window)

	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		sketch = nil
	}

	var sum Summary
	var successes int
	var latencyTotal time.Duration
	for _, s := range samples {
		if s.At.Before(cutoff) {
			continue
		}
		sum.Samples++
		if !s.Success {
			continue
		}
		successes++
		latencyTotal += s.Latency
		if sketch != nil {
			_ = sketch.Add(float64(s.Latency) / float64(time.Millisecond))
		}
	}

	if sum.Samples == 0 {
		sum.SuccessRate = 1
		return sum
	}
	sum.SuccessRate = float64(successes) / float64(sum.Samples)
	if successes > 0 {
		sum.AverageLatency = latencyTotal / time.Duration(successes)
		if sketch != nil {
			sum.P50Latency = quantile(sketch, 0.5)
			sum.P95Latency = quantile(sketch, 0.95)
		}
	}
	return sum
}

func quantile(sketch *ddsketch.DDSketch, q float64) time.Duration {
	v, err := sketch.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return time.Duration(v * float64(time.Millisecond))
}
