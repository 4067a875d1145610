package services

import (
	"sync"
	"time"

	"mediasession/internal/core/domain"
	"mediasession/internal/core/ports"
)

// CaptureStats is a point-in-time view of one stream kind.
type CaptureStats struct {
	Kind           domain.StreamKind
	Acquired       int
	Released       int
	Failed         int
	Active         int
	LastAcquireDur time.Duration
}

// MetricsService keeps capture counters in memory. It satisfies
// ports.CaptureRecorder.
type MetricsService struct {
	mu sync.RWMutex

	acquired    map[domain.StreamKind]int
	released    map[domain.StreamKind]int
	failed      map[domain.StreamKind]int
	lastAcquire map[domain.StreamKind]time.Duration
	speaking    map[domain.MonitorID]bool
}

func NewMetricsService() *MetricsService {
	return &MetricsService{
		acquired:    make(map[domain.StreamKind]int),
		released:    make(map[domain.StreamKind]int),
		failed:      make(map[domain.StreamKind]int),
		lastAcquire: make(map[domain.StreamKind]time.Duration),
		speaking:    make(map[domain.MonitorID]bool),
	}
}

func (m *MetricsService) RecordAcquire(kind domain.StreamKind, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired[kind]++
	m.lastAcquire[kind] = duration
}

func (m *MetricsService) RecordAcquireError(kind domain.StreamKind, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[kind]++
}

func (m *MetricsService) RecordRelease(kind domain.StreamKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released[kind]++
}

func (m *MetricsService) RecordSpeaking(monitor domain.MonitorID, speaking bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.speaking[monitor] = speaking
}

func (m *MetricsService) GetCaptureStats(kind domain.StreamKind) CaptureStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := m.acquired[kind] - m.released[kind]
	if active < 0 {
		active = 0
	}
	return CaptureStats{
		Kind:           kind,
		Acquired:       m.acquired[kind],
		Released:       m.released[kind],
		Failed:         m.failed[kind],
		Active:         active,
		LastAcquireDur: m.lastAcquire[kind],
	}
}

func (m *MetricsService) IsSpeaking(monitor domain.MonitorID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.speaking[monitor]
}

// ActiveHandles sums live handles over every kind.
func (m *MetricsService) ActiveHandles() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for kind, n := range m.acquired {
		total += n - m.released[kind]
	}
	return total
}

// Recorders fans every call out to each recorder in order.
type Recorders []ports.CaptureRecorder

func (r Recorders) RecordAcquire(kind domain.StreamKind, duration time.Duration) {
	for _, rec := range r {
		rec.RecordAcquire(kind, duration)
	}
}

func (r Recorders) RecordAcquireError(kind domain.StreamKind, err error) {
	for _, rec := range r {
		rec.RecordAcquireError(kind, err)
	}
}

func (r Recorders) RecordRelease(kind domain.StreamKind) {
	for _, rec := range r {
		rec.RecordRelease(kind)
	}
}

func (r Recorders) RecordSpeaking(monitor domain.MonitorID, speaking bool) {
	for _, rec := range r {
		rec.RecordSpeaking(monitor, speaking)
	}
}
