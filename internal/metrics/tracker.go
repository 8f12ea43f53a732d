// Package metrics aggregates command latency and outcome counts across
// all sessions.
package metrics

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"voiceterm/internal/ringbuf"

	"github.com/rs/zerolog"
)

const (
	DefaultHistorySize = 1000
	// percentiles are only reported once the window holds this many samples.
	minPercentileSamples = 20
)

// Snapshot is a consistent point-in-time view of the tracker.
type Snapshot struct {
	TotalCommands      uint64    `json:"totalCommands"`
	SuccessfulCommands uint64    `json:"successfulCommands"`
	AverageLatency     float64   `json:"averageLatency"`
	P95Latency         float64   `json:"p95Latency"`
	P99Latency         float64   `json:"p99Latency"`
	UnmatchedVoice     uint64    `json:"unmatchedVoice"`
	RoundTrips         uint64    `json:"roundTrips"`
	FailedRoundTrips   uint64    `json:"failedRoundTrips"`
	AverageRoundTrip   float64   `json:"averageRoundTrip"`
	LastCommandAt      time.Time `json:"lastCommandAt,omitempty"`
}

// SuccessRate returns successful/total in percent, or 0 with no commands.
func (s Snapshot) SuccessRate() float64 {
	if s.TotalCommands == 0 {
		return 0
	}
	return float64(s.SuccessfulCommands) / float64(s.TotalCommands) * 100
}

// Alert describes a command that exceeded the slow-command threshold.
type Alert struct {
	Latency   time.Duration
	Threshold time.Duration
	Success   bool
}

// AlertFunc receives slow-command alerts. It runs on the recording goroutine.
type AlertFunc func(Alert)

// Tracker records command outcomes. Counters never decrease.
type Tracker struct {
	mu sync.Mutex

	total     uint64
	success   uint64
	avgMs     float64
	unmatched uint64
	lastAt    time.Time

	roundTrips       uint64
	failedRoundTrips uint64
	avgRoundTripMs   float64

	history *ringbuf.RingBuffer[float64]

	slowThreshold time.Duration
	alertMu       sync.RWMutex
	alerts        []AlertFunc

	logger zerolog.Logger
}

// NewTracker creates a tracker keeping historySize recent latencies for
// percentiles. A zero slowThreshold disables alerts.
func NewTracker(historySize int, slowThreshold time.Duration, logger zerolog.Logger) *Tracker {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Tracker{
		history:       ringbuf.New[float64](historySize),
		slowThreshold: slowThreshold,
		logger:        logger.With().Str("component", "metrics").Logger(),
	}
}

// RecordCommand counts one dispatched command.
func (t *Tracker) RecordCommand(latency time.Duration, success bool) {
	ms := durationMs(latency)

	t.mu.Lock()
	t.total++
	if success {
		t.success++
	}
	t.avgMs += (ms - t.avgMs) / float64(t.total)
	t.history.Write(ms)
	t.lastAt = time.Now().UTC()
	t.mu.Unlock()

	if t.slowThreshold > 0 && latency > t.slowThreshold {
		t.raise(Alert{Latency: latency, Threshold: t.slowThreshold, Success: success})
	}
}

// RecordRoundTrip counts one request/ack exchange with the host.
func (t *Tracker) RecordRoundTrip(latency time.Duration, success bool) {
	ms := durationMs(latency)

	t.mu.Lock()
	t.roundTrips++
	if !success {
		t.failedRoundTrips++
	}
	t.avgRoundTripMs += (ms - t.avgRoundTripMs) / float64(t.roundTrips)
	t.mu.Unlock()
}

// RecordUnmatched counts a final transcript no grammar rule matched.
func (t *Tracker) RecordUnmatched() {
	t.mu.Lock()
	t.unmatched++
	t.mu.Unlock()
}

// Snapshot returns all counters read under a single lock.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		TotalCommands:      t.total,
		SuccessfulCommands: t.success,
		AverageLatency:     t.avgMs,
		UnmatchedVoice:     t.unmatched,
		RoundTrips:         t.roundTrips,
		FailedRoundTrips:   t.failedRoundTrips,
		AverageRoundTrip:   t.avgRoundTripMs,
		LastCommandAt:      t.lastAt,
	}

	samples := t.history.ReadAll()
	if len(samples) >= minPercentileSamples {
		sort.Float64s(samples)
		snap.P95Latency = percentile(samples, 0.95)
		snap.P99Latency = percentile(samples, 0.99)
	}
	return snap
}

// Export renders the snapshot as indented JSON.
func (t *Tracker) Export() ([]byte, error) {
	return json.MarshalIndent(t.Snapshot(), "", "  ")
}

// OnAlert registers a slow-command callback.
func (t *Tracker) OnAlert(fn AlertFunc) {
	t.alertMu.Lock()
	t.alerts = append(t.alerts, fn)
	t.alertMu.Unlock()
}

func (t *Tracker) raise(a Alert) {
	t.logger.Warn().
		Dur("latency", a.Latency).
		Dur("threshold", a.Threshold).
		Bool("success", a.Success).
		Msg("slow command")

	t.alertMu.RLock()
	defer t.alertMu.RUnlock()
	for _, fn := range t.alerts {
		fn(a)
	}
}

// percentile expects sorted input.
func percentile(sorted []float64, p float64) float64 {
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func durationMs(d time.Duration) float64 {
	if d < 0 {
		d = 0
	}
	return float64(d) / float64(time.Millisecond)
}
