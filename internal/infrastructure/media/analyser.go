package media

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"mediasession/internal/core/domain"
	"mediasession/internal/core/ports"

	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/wave"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Byte scaling range of ByteFrequencyData, in dBFS.
const (
	MinDecibels = -100.0
	MaxDecibels = -30.0
)

// PCMSource is implemented by tracks that can hand out sample readers.
type PCMSource interface {
	NewPCMReader() (audio.Reader, error)
}

// AnalyserFactory builds graphs whose analysers run a windowed FFT over
// the most recent samples of a track.
type AnalyserFactory struct {
	logger *zap.SugaredLogger
}

func NewAnalyserFactory(logger *zap.SugaredLogger) *AnalyserFactory {
	return &AnalyserFactory{logger: logger}
}

func (f *AnalyserFactory) NewGraph() (ports.AudioGraph, error) {
	return &Graph{
		logger: f.logger,
		nodes:  make(map[*Analyser]struct{}),
	}, nil
}

type Graph struct {
	logger *zap.SugaredLogger

	mu     sync.Mutex
	nodes  map[*Analyser]struct{}
	closed bool
}

func (g *Graph) CreateAnalyser(track domain.Track, opts ports.AnalyserOptions) (ports.AnalyserNode, error) {
	src, ok := track.(PCMSource)
	if !ok {
		return nil, fmt.Errorf("track %s: %w", track.ID(), errNoPCM)
	}
	if opts.FFTSize < 32 || opts.FFTSize&(opts.FFTSize-1) != 0 {
		return nil, fmt.Errorf("fft size %d is not a power of two >= 32", opts.FFTSize)
	}
	if opts.SmoothingTimeConstant < 0 || opts.SmoothingTimeConstant >= 1 {
		return nil, fmt.Errorf("smoothing time constant %v outside [0, 1)", opts.SmoothingTimeConstant)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, errors.New("audio graph closed")
	}

	reader, err := src.NewPCMReader()
	if err != nil {
		return nil, fmt.Errorf("track %s: %w", track.ID(), err)
	}

	a := NewAnalyser(opts)
	a.onDisconnect = func() {
		g.mu.Lock()
		delete(g.nodes, a)
		g.mu.Unlock()
	}
	g.nodes[a] = struct{}{}

	go a.pump(reader, g.logger.With("track_id", track.ID()))
	return a, nil
}

// Close disconnects every analyser still attached to the graph.
func (g *Graph) Close() error {
	g.mu.Lock()
	g.closed = true
	nodes := make([]*Analyser, 0, len(g.nodes))
	for a := range g.nodes {
		nodes = append(nodes, a)
	}
	g.mu.Unlock()

	for _, a := range nodes {
		a.Disconnect()
	}
	return nil
}

// Analyser keeps a ring of the last FFTSize mono samples and turns it into
// smoothed, byte scaled magnitudes on demand.
type Analyser struct {
	size      int
	smoothing float64
	fft       *fourier.FFT

	mu       sync.Mutex
	ring     []float64
	pos      int
	frame    []float64
	coeffs   []complex128
	smoothed []float64

	done         chan struct{}
	once         sync.Once
	onDisconnect func()
}

func NewAnalyser(opts ports.AnalyserOptions) *Analyser {
	n := opts.FFTSize
	return &Analyser{
		size:      n,
		smoothing: opts.SmoothingTimeConstant,
		fft:       fourier.NewFFT(n),
		ring:      make([]float64, n),
		frame:     make([]float64, n),
		coeffs:    make([]complex128, n/2+1),
		smoothed:  make([]float64, n/2),
		done:      make(chan struct{}),
	}
}

func (a *Analyser) FrequencyBinCount() int {
	return a.size / 2
}

// Write mixes a chunk down to mono and appends it to the ring.
func (a *Analyser) Write(chunk wave.Audio) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch c := chunk.(type) {
	case *wave.Float32Interleaved:
		ch := max(c.Size.Channels, 1)
		for i := 0; i+ch <= len(c.Data); i += ch {
			var sum float64
			for j := 0; j < ch; j++ {
				sum += float64(c.Data[i+j])
			}
			a.push(sum / float64(ch))
		}
	case *wave.Int16Interleaved:
		ch := max(c.Size.Channels, 1)
		for i := 0; i+ch <= len(c.Data); i += ch {
			var sum float64
			for j := 0; j < ch; j++ {
				sum += float64(c.Data[i+j]) / 32768
			}
			a.push(sum / float64(ch))
		}
	}
}

func (a *Analyser) push(v float64) {
	a.ring[a.pos] = v
	a.pos = (a.pos + 1) % a.size
}

func (a *Analyser) ByteFrequencyData(dst []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// oldest sample first
	n := copy(a.frame, a.ring[a.pos:])
	copy(a.frame[n:], a.ring[:a.pos])
	window.Blackman(a.frame)
	a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)

	for k := 0; k < len(a.smoothed); k++ {
		mag := cmplx.Abs(a.coeffs[k]) / float64(a.size)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		if k < len(dst) {
			dst[k] = decibelByte(a.smoothed[k])
		}
	}
}

// Disconnect stops feeding the analyser. The track keeps running.
func (a *Analyser) Disconnect() error {
	a.once.Do(func() {
		close(a.done)
		if a.onDisconnect != nil {
			a.onDisconnect()
		}
	})
	return nil
}

func (a *Analyser) pump(r audio.Reader, logger *zap.SugaredLogger) {
	for {
		select {
		case <-a.done:
			return
		default:
		}

		chunk, release, err := r.Read()
		if err != nil {
			logger.Debugw("pcm reader finished", "error", err)
			return
		}
		a.Write(chunk)
		if release != nil {
			release()
		}
	}
}

func decibelByte(mag float64) byte {
	if mag <= 0 || math.IsNaN(mag) {
		return 0
	}
	db := 20 * math.Log10(mag)
	v := math.Floor(255 * (db - MinDecibels) / (MaxDecibels - MinDecibels))
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return byte(v)
	}
}
