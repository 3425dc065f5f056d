// Package progress measures transfer throughput for progress reporting.
package progress

import (
	"sync"
	"time"
)

// Stats is a point-in-time view of a transfer's progress.
type Stats struct {
	BytesDone  int64
	TotalBytes int64
	FramesDone int
	FilesDone  int
	TotalFiles int
	RateBps    float64
	ETA        time.Duration
	Percent    float64
	StartedAt  time.Time
}

// Meter counts transferred bytes and frames and keeps an exponentially
// smoothed byte rate.
type Meter struct {
	mu         sync.Mutex
	totalBytes int64
	totalFiles int
	done       int64
	frames     int
	files      int
	startedAt  time.Time
	lastAt     time.Time
	lastDone   int64
	rateBps    float64
	alpha      float64
	now        func() time.Time
}

// NewMeter returns a meter using the wall clock.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now}
}

// Start resets the meter for a transfer of totalBytes in totalFiles files.
// Totals may be zero when unknown, as for downloads.
func (m *Meter) Start(totalBytes int64, totalFiles int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalBytes = totalBytes
	m.totalFiles = totalFiles
	m.done = 0
	m.frames = 0
	m.files = 0
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.lastDone = 0
	m.rateBps = 0
}

// Frame records one acknowledged frame carrying n data bytes and files
// completed files.
func (m *Meter) Frame(n int64, files int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames++
	m.files += files
	if n <= 0 {
		return
	}
	now := m.now()
	m.done += n
	deltaTime := now.Sub(m.lastAt).Seconds()
	if deltaTime > 0 {
		inst := float64(m.done-m.lastDone) / deltaTime
		if m.rateBps == 0 {
			m.rateBps = inst
		} else {
			m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
		}
		m.lastAt = now
		m.lastDone = m.done
	}
}

// Snapshot returns the current stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone:  m.done,
		TotalBytes: m.totalBytes,
		FramesDone: m.frames,
		FilesDone:  m.files,
		TotalFiles: m.totalFiles,
		RateBps:    m.rateBps,
		StartedAt:  m.startedAt,
	}
	if m.totalBytes > 0 {
		stats.Percent = float64(m.done) / float64(m.totalBytes) * 100
	}
	if m.rateBps > 0 && m.totalBytes > m.done {
		remaining := float64(m.totalBytes - m.done)
		stats.ETA = time.Duration(remaining / m.rateBps * float64(time.Second))
	}
	return stats
}
