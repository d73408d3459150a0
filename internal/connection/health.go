package connection

import (
	"time"
)

// unhealthyStreak is the failure streak at which the connection reports unhealthy.
const unhealthyStreak = 3

// Health is a point-in-time view of connection quality.
type Health struct {
	State               string        `json:"state"`
	Healthy             bool          `json:"healthy"`
	HandleID            string        `json:"handle_id,omitempty"`
	CreatedAt           *time.Time    `json:"created_at,omitempty"`
	LastUsed            *time.Time    `json:"last_used,omitempty"`
	SuccessRate         float64       `json:"success_rate"`
	AverageLatency      time.Duration `json:"average_latency"`
	P50Latency          time.Duration `json:"p50_latency"`
	P95Latency          time.Duration `json:"p95_latency"`
	WindowSamples       int           `json:"window_samples"`
	TotalAttempts       uint64        `json:"total_attempts"`
	TotalFailures       uint64        `json:"total_failures"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Initializations     int64         `json:"initializations"`
	Resets              int64         `json:"resets"`
	Instances           int           `json:"instances"`
	MultipleInstances   bool          `json:"multiple_instances"`
	LastError           string        `json:"last_error,omitempty"`
}

// Health computes connection health from the telemetry window. Nothing is cached.
func (m *Manager) Health() Health {
	now := m.clock.Now()
	summary := m.telemetry.Summarize(now, m.config.HealthWindow)
	total, failures, streak := m.telemetry.Totals()

	m.mu.RLock()
	h := Health{
		State:               m.state.String(),
		SuccessRate:         summary.SuccessRate,
		AverageLatency:      summary.AverageLatency,
		P50Latency:          summary.P50Latency,
		P95Latency:          summary.P95Latency,
		WindowSamples:       summary.Samples,
		TotalAttempts:       total,
		TotalFailures:       failures,
		ConsecutiveFailures: streak,
		Initializations:     m.inits,
		Resets:              m.resets,
		Instances:           len(m.live),
		MultipleInstances:   m.multipleInstances,
	}
	current := m.current
	if m.lastError != nil {
		h.LastError = m.lastError.Error()
	}
	m.mu.RUnlock()

	if current != nil {
		created := current.CreatedAt()
		used := current.LastUsed()
		h.HandleID = current.ID()
		h.CreatedAt = &created
		h.LastUsed = &used
	}
	h.Healthy = current.Valid() && streak < unhealthyStreak && summary.SuccessRate >= 0.5
	return h
}
