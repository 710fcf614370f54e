// Package monitor implements the progress and stall-detection monitor:
// a single 200ms ticker that turns raw byte counters into a smoothed
// speed and ETA, and optionally detects a stalled receiver and asks it to
// request a resend.
package monitor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/arnvale/meshxfer/internal/xfererr"
)

const (
	tickInterval  = 200 * time.Millisecond
	warmupWindow  = 5 * time.Second
	sampleWindow  = 15
	stallWindow   = 10 * time.Second
	maxStallTries = 3
)

// Snapshot is a point-in-time read of monitor state, cheap to copy for a
// UI to render.
type Snapshot struct {
	BytesTransferred int64
	TotalSize        int64
	Filename         string
	FileSize         int64
	StreamPosition   int64
	SpeedBytesPerSec float64
	ETA              time.Duration
	Warmup           bool
	Stalled          bool
	StallRetries     int
}

type deltaSample struct {
	bytes int64
}

// StallFunc is invoked when a stall is detected, with the stream position
// a Resend Request would carry; a non-nil error is returned from tick.
// retryCount is the 1-based attempt number for this stall.
type StallFunc func(streamPosition int64, retryCount int) error

// Monitor tracks transfer progress for one session. Create with New,
// feed it with Update from the I/O thread, and call Run in its own
// goroutine; Run returns when ctx is cancelled or a stall exhausts its
// retries.
type Monitor struct {
	totalSize         int64
	enableStallDetect bool
	onStall           StallFunc

	mu               sync.Mutex
	startTime        time.Time
	bytesTransferred int64
	filename         string
	fileSize         int64
	streamPosition   int64

	samples          []deltaSample
	lastTickBytes    int64
	smoothedSpeed    float64
	smoothedETA      time.Duration
	lastProgressTime time.Time
	stallRetries     int
	stalled          bool
}

// New creates a Monitor for a transfer of totalSize bytes. If
// enableStallDetect is true, Run calls onStall when no progress is
// observed for the stall window; callers that only want progress
// reporting (e.g. the sender side) pass false.
func New(totalSize int64, enableStallDetect bool, onStall StallFunc) *Monitor {
	now := time.Now()
	return &Monitor{
		totalSize:         totalSize,
		enableStallDetect: enableStallDetect,
		onStall:           onStall,
		startTime:         now,
		lastProgressTime:  now,
	}
}

// Update records the latest cumulative counters. Called from the
// data-path thread; safe to call concurrently with Run's ticker.
func (m *Monitor) Update(bytesTransferred int64, streamPosition int64, filename string, fileSize int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bytesTransferred > m.bytesTransferred {
		m.lastProgressTime = time.Now()
		m.stalled = false
	}
	m.bytesTransferred = bytesTransferred
	m.streamPosition = streamPosition
	m.filename = filename
	m.fileSize = fileSize
}

// Run drives the 200ms ticker until ctx is cancelled or, when stall
// detection is enabled, a stall exhausts its retries (in which case Run
// returns an xfererr of kind StallUnrecoverable).
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.tick(); err != nil {
				return err
			}
		}
	}
}

func (m *Monitor) tick() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := time.Since(m.startTime)
	warmup := elapsed < warmupWindow

	delta := m.bytesTransferred - m.lastTickBytes
	m.lastTickBytes = m.bytesTransferred

	if warmup {
		if elapsed > 0 {
			m.smoothedSpeed = float64(m.bytesTransferred) / elapsed.Seconds()
		}
	} else {
		m.samples = append(m.samples, deltaSample{bytes: delta})
		if len(m.samples) > sampleWindow {
			m.samples = m.samples[len(m.samples)-sampleWindow:]
		}
		m.smoothedSpeed = weightedAverageSpeed(m.samples, tickInterval)
	}

	remaining := m.totalSize - m.bytesTransferred
	if remaining < 0 {
		remaining = 0
	}

	var rawETA time.Duration
	if m.smoothedSpeed > 0 {
		rawETA = time.Duration(float64(remaining) / m.smoothedSpeed * float64(time.Second))
	}

	progressPct := 0.0
	if m.totalSize > 0 {
		progressPct = float64(m.bytesTransferred) / float64(m.totalSize) * 100
	}

	factor := etaSmoothingFactor(progressPct)
	if m.smoothedETA == 0 {
		m.smoothedETA = rawETA
	} else {
		next := time.Duration(factor*float64(rawETA) + (1-factor)*float64(m.smoothedETA))
		maxDelta := time.Duration(math.Max(float64(10*time.Second), 0.2*float64(m.smoothedETA)))
		if next > m.smoothedETA+maxDelta {
			next = m.smoothedETA + maxDelta
		}
		m.smoothedETA = next
	}

	if !m.enableStallDetect || warmup {
		return nil
	}

	if time.Since(m.lastProgressTime) >= stallWindow && !m.stalled {
		m.stalled = true
		m.stallRetries++
		if m.stallRetries > maxStallTries {
			return xfererr.New(xfererr.KindStallUnrecoverable, "progress monitor", nil)
		}
		if m.onStall != nil {
			if err := m.onStall(m.streamPosition, m.stallRetries); err != nil {
				return xfererr.New(xfererr.KindStallDetected, "resend request", err)
			}
		}
	}

	return nil
}

// Snapshot returns the current state for UI rendering.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Snapshot{
		BytesTransferred: m.bytesTransferred,
		TotalSize:        m.totalSize,
		Filename:         m.filename,
		FileSize:         m.fileSize,
		StreamPosition:   m.streamPosition,
		SpeedBytesPerSec: m.smoothedSpeed,
		ETA:              m.smoothedETA,
		Warmup:           time.Since(m.startTime) < warmupWindow,
		Stalled:          m.stalled,
		StallRetries:     m.stallRetries,
	}
}

// weightedAverageSpeed computes bytes/sec over the delta samples, weighting
// more recent samples (higher index) more heavily with weight (i+1)^1.5.
func weightedAverageSpeed(samples []deltaSample, interval time.Duration) float64 {
	if len(samples) == 0 {
		return 0
	}

	var weightedBytes, totalWeight float64
	for i, s := range samples {
		weight := math.Pow(float64(i+1), 1.5)
		weightedBytes += float64(s.bytes) * weight
		totalWeight += weight
	}

	if totalWeight == 0 {
		return 0
	}

	avgBytesPerTick := weightedBytes / totalWeight
	return avgBytesPerTick / interval.Seconds()
}

// etaSmoothingFactor returns the exponential smoothing factor for the
// given progress percentage.
func etaSmoothingFactor(progressPct float64) float64 {
	switch {
	case progressPct < 10:
		return 0.3
	case progressPct > 90:
		return 0.7
	default:
		return 0.5
	}
}
