package testutil

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"mediasession/internal/core/domain"
	"mediasession/internal/core/ports"

	"github.com/stretchr/testify/mock"
)

// FakeGraphFactory hands out FakeGraphs whose analysers replay Energy.
type FakeGraphFactory struct {
	mu sync.Mutex

	// Energy is replayed one value per ByteFrequencyData call; every bin
	// gets the same value, so the mean equals it. The last value repeats.
	Energy []byte
	// NewGraphErr fails graph construction.
	NewGraphErr error
	// CreateErr fails analyser creation.
	CreateErr error
	// DisconnectErr is returned by every analyser Disconnect.
	DisconnectErr error

	graphs []*FakeGraph
}

func (f *FakeGraphFactory) NewGraph() (ports.AudioGraph, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewGraphErr != nil {
		return nil, f.NewGraphErr
	}
	g := &FakeGraph{factory: f}
	f.graphs = append(f.graphs, g)
	return g, nil
}

func (f *FakeGraphFactory) Graphs() []*FakeGraph {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeGraph(nil), f.graphs...)
}

// OpenAnalysers counts analysers not yet disconnected across all graphs.
func (f *FakeGraphFactory) OpenAnalysers() int {
	n := 0
	for _, g := range f.Graphs() {
		for _, a := range g.Analysers() {
			if !a.Disconnected() {
				n++
			}
		}
	}
	return n
}

func (f *FakeGraphFactory) energy() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.Energy...)
}

func (f *FakeGraphFactory) errs() (create, disconnect error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CreateErr, f.DisconnectErr
}

type FakeGraph struct {
	factory *FakeGraphFactory

	mu        sync.Mutex
	analysers []*FakeAnalyser
	closed    bool
}

func (g *FakeGraph) CreateAnalyser(track domain.Track, opts ports.AnalyserOptions) (ports.AnalyserNode, error) {
	createErr, disconnectErr := g.factory.errs()
	if createErr != nil {
		return nil, createErr
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, errors.New("audio graph closed")
	}
	a := &FakeAnalyser{
		Track:         track,
		Options:       opts,
		energy:        g.factory.energy(),
		disconnectErr: disconnectErr,
	}
	g.analysers = append(g.analysers, a)
	return a, nil
}

func (g *FakeGraph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *FakeGraph) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *FakeGraph) Analysers() []*FakeAnalyser {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*FakeAnalyser(nil), g.analysers...)
}

type FakeAnalyser struct {
	Track   domain.Track
	Options ports.AnalyserOptions

	mu            sync.Mutex
	energy        []byte
	pos           int
	reads         int
	disconnected  bool
	disconnectErr error
}

func (a *FakeAnalyser) FrequencyBinCount() int {
	if a.Options.FFTSize <= 0 {
		return 128
	}
	return a.Options.FFTSize / 2
}

func (a *FakeAnalyser) ByteFrequencyData(dst []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reads++

	var v byte
	if len(a.energy) > 0 {
		if a.pos >= len(a.energy) {
			a.pos = len(a.energy) - 1
		}
		v = a.energy[a.pos]
		a.pos++
	}
	for i := range dst {
		dst[i] = v
	}
}

func (a *FakeAnalyser) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnected = true
	return a.disconnectErr
}

func (a *FakeAnalyser) Disconnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disconnected
}

func (a *FakeAnalyser) Reads() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reads
}

// MockCaptureRecorder is a testify mock of ports.CaptureRecorder.
type MockCaptureRecorder struct {
	mock.Mock
	speakingCalls atomic.Int64
}

func (m *MockCaptureRecorder) RecordAcquire(kind domain.StreamKind, duration time.Duration) {
	m.Called(kind, duration)
}

func (m *MockCaptureRecorder) RecordAcquireError(kind domain.StreamKind, err error) {
	m.Called(kind, err)
}

func (m *MockCaptureRecorder) RecordRelease(kind domain.StreamKind) {
	m.Called(kind)
}

func (m *MockCaptureRecorder) RecordSpeaking(monitor domain.MonitorID, speaking bool) {
	m.speakingCalls.Add(1)
}

func (m *MockCaptureRecorder) SpeakingCalls() int {
	return int(m.speakingCalls.Load())
}
