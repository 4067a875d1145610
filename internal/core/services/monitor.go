package services

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"mediasession/internal/core/domain"
	"mediasession/internal/core/ports"
	"mediasession/pkg/loop"

	"go.uber.org/zap"
)

type MonitorConfig struct {
	Activity     ActivityConfig
	TickInterval time.Duration
	Analyser     ports.AnalyserOptions
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Activity:     DefaultActivityConfig(),
		TickInterval: 16 * time.Millisecond,
		Analyser: ports.AnalyserOptions{
			FFTSize:               256,
			SmoothingTimeConstant: 0.5,
		},
	}
}

// AudioActivityMonitor samples one stream's first audio track and derives
// its speaking state. It is Idle until Start succeeds and returns to Idle
// on Stop, Close, a disabled track or an ended track.
//
// The monitor never stops or mutates the tracks it reads.
type AudioActivityMonitor struct {
	id       domain.MonitorID
	factory  ports.AudioGraphFactory
	cfg      MonitorConfig
	recorder ports.CaptureRecorder
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	graph    ports.AudioGraph
	node     ports.AnalyserNode
	track    domain.Track
	streamID domain.StreamID
	task     *loop.PeriodicTask
	tracker  *ActivityTracker
	bins     []byte
	idle     bool
	gen      uint64
	closed   bool

	updates *EventBus[domain.ActivityUpdate]
}

func NewActivityMonitor(
	id domain.MonitorID,
	factory ports.AudioGraphFactory,
	cfg MonitorConfig,
	recorder ports.CaptureRecorder,
	logger *zap.SugaredLogger,
) *AudioActivityMonitor {
	return &AudioActivityMonitor{
		id:       id,
		factory:  factory,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger.With("monitor_id", id),
		tracker:  NewActivityTracker(cfg.Activity),
		idle:     true,
		updates:  NewEventBus[domain.ActivityUpdate](logger),
	}
}

func (m *AudioActivityMonitor) ID() domain.MonitorID {
	return m.id
}

// Start begins sampling handle's first audio track, replacing any session
// already running. ErrNoAudioTrack and ErrAnalysisUnsupported leave the
// monitor Idle.
func (m *AudioActivityMonitor) Start(handle *domain.StreamHandle) error {
	m.Stop()

	if handle == nil {
		return domain.ErrNoAudioTrack
	}
	audio := handle.AudioTracks()
	if len(audio) == 0 {
		return domain.ErrNoAudioTrack
	}
	track := audio[0]

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return domain.ErrSessionClosed
	}

	if m.graph == nil {
		graph, err := m.factory.NewGraph()
		if err != nil {
			m.logger.Warnw("audio graph unavailable", "error", err)
			return fmt.Errorf("%w: %v", domain.ErrAnalysisUnsupported, err)
		}
		m.graph = graph
	}

	node, err := m.graph.CreateAnalyser(track, m.cfg.Analyser)
	if err != nil {
		m.logger.Warnw("failed to create analyser", "track_id", track.ID(), "error", err)
		return fmt.Errorf("%w: %v", domain.ErrAnalysisUnsupported, err)
	}

	m.gen++
	m.node = node
	m.track = track
	m.streamID = handle.ID
	m.bins = make([]byte, node.FrequencyBinCount())
	m.tracker.Reset()
	m.idle = false

	if m.cfg.TickInterval > 0 {
		m.task = loop.NewPeriodicTask(m.cfg.TickInterval, m.Tick)
		m.task.Start()
	}

	m.logger.Infow("activity monitor started",
		"stream_id", handle.ID,
		"track_id", track.ID(),
		"bins", len(m.bins),
	)
	return nil
}

// Tick takes one sample. The periodic loop calls it; tests may drive it
// directly with a zero TickInterval.
func (m *AudioActivityMonitor) Tick() {
	m.mu.Lock()
	if m.node == nil {
		m.mu.Unlock()
		return
	}

	ended := m.track.State() == domain.TrackStateEnded
	if ended || !m.track.Enabled() {
		wasIdle := m.idle
		m.tracker.Reset()
		m.idle = true
		update := m.updateLocked()
		gen := m.gen
		m.mu.Unlock()

		if !wasIdle {
			m.recorder.RecordSpeaking(m.id, false)
			m.updates.Publish(update)
		}
		if ended {
			// Stop joins the loop goroutine, so it cannot run from here
			go m.stopGeneration(gen)
		}
		return
	}

	m.node.ByteFrequencyData(m.bins)
	wasSpeaking := m.tracker.State().IsSpeaking
	state := m.tracker.Observe(m.tracker.MeanEnergy(m.bins))
	m.idle = false
	update := m.updateLocked()
	m.mu.Unlock()

	if state.IsSpeaking != wasSpeaking {
		m.recorder.RecordSpeaking(m.id, state.IsSpeaking)
	}
	m.updates.Publish(update)
}

// Stop cancels sampling, disconnects the analyser and resets to Idle. A
// failing disconnect is logged and otherwise ignored.
func (m *AudioActivityMonitor) Stop() {
	m.stop(0, false)
}

// stop with onlyGen set leaves a newer sampling session alone.
func (m *AudioActivityMonitor) stop(gen uint64, onlyGen bool) {
	m.mu.Lock()
	if onlyGen && (m.gen != gen || m.node == nil) {
		m.mu.Unlock()
		return
	}
	task, node := m.task, m.node
	wasSampling := node != nil
	wasSpeaking := m.tracker.State().IsSpeaking
	m.task, m.node, m.track = nil, nil, nil
	m.tracker.Reset()
	m.idle = true
	update := m.updateLocked()
	m.mu.Unlock()

	if task != nil {
		task.Stop()
	}
	if node != nil {
		if err := node.Disconnect(); err != nil {
			m.logger.Warnw("failed to disconnect analyser", "error", err)
		}
	}
	if wasSampling {
		if wasSpeaking {
			m.recorder.RecordSpeaking(m.id, false)
		}
		m.updates.Publish(update)
		m.logger.Debugw("activity monitor stopped", "stream_id", update.StreamID)
	}
}

// Close stops sampling and tears down the audio graph. Start fails
// afterwards.
func (m *AudioActivityMonitor) Close() {
	m.Stop()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	graph := m.graph
	m.graph = nil
	m.mu.Unlock()

	if graph != nil {
		if err := graph.Close(); err != nil {
			m.logger.Warnw("failed to close audio graph", "error", err)
		}
	}
}

func (m *AudioActivityMonitor) State() domain.ActivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker.State()
}

// Sampling reports whether an analyser is attached.
func (m *AudioActivityMonitor) Sampling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.node != nil
}

// Subscribe delivers every update on the sampling goroutine; fn must not
// block or call Stop.
func (m *AudioActivityMonitor) Subscribe(fn func(domain.ActivityUpdate)) (cancel func()) {
	return m.updates.Subscribe(fn)
}

func (m *AudioActivityMonitor) stopGeneration(gen uint64) {
	m.logger.Infow("monitored track ended, stopping")
	m.stop(gen, true)
}

func (m *AudioActivityMonitor) updateLocked() domain.ActivityUpdate {
	return domain.ActivityUpdate{
		MonitorID: m.id,
		StreamID:  m.streamID,
		State:     m.tracker.State(),
		Timestamp: time.Now(),
	}
}

// IsAnalysisUnsupported reports whether err means the platform cannot
// analyse audio; the session carries on without activity data.
func IsAnalysisUnsupported(err error) bool {
	return errors.Is(err, domain.ErrAnalysisUnsupported)
}
