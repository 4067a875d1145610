package services

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"

	"mediasession/internal/core/domain"
	"mediasession/internal/core/ports"

	"go.uber.org/zap"
)

// DefaultShareTitle names a tab-audio share whose video track has no label.
const DefaultShareTitle = "System audio"

// browserSuffix matches the " - Google Chrome" style tail browsers append
// to tab labels.
var browserSuffix = regexp.MustCompile(` - \w+ \w+$`)

type VisualizerConfig struct {
	Analyser ports.AnalyserOptions
	// BinFraction is the share of low bins drawn; the top bins are mostly
	// silent for music.
	BinFraction  float64
	MinBarHeight float64
}

func DefaultVisualizerConfig() VisualizerConfig {
	return VisualizerConfig{
		Analyser: ports.AnalyserOptions{
			FFTSize:               64,
			SmoothingTimeConstant: 0.8,
		},
		BinFraction:  0.8,
		MinBarHeight: 2,
	}
}

// FrequencyVisualizer turns a tab-audio stream into bar heights. It owns
// its audio graph and analyser.
type FrequencyVisualizer struct {
	factory ports.AudioGraphFactory
	cfg     VisualizerConfig
	logger  *zap.SugaredLogger

	mu    sync.Mutex
	graph ports.AudioGraph
	node  ports.AnalyserNode
	bins  []byte
	title string
}

func NewFrequencyVisualizer(factory ports.AudioGraphFactory, cfg VisualizerConfig, logger *zap.SugaredLogger) *FrequencyVisualizer {
	return &FrequencyVisualizer{
		factory: factory,
		cfg:     cfg,
		logger:  logger,
	}
}

func (v *FrequencyVisualizer) Start(handle *domain.StreamHandle) error {
	audio := handle.AudioTracks()
	if len(audio) == 0 {
		return domain.ErrNoAudioTrack
	}

	v.Stop()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.graph == nil {
		graph, err := v.factory.NewGraph()
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrAnalysisUnsupported, err)
		}
		v.graph = graph
	}
	node, err := v.graph.CreateAnalyser(audio[0], v.cfg.Analyser)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAnalysisUnsupported, err)
	}

	v.node = node
	v.bins = make([]byte, node.FrequencyBinCount())

	label := ""
	if video := handle.VideoTracks(); len(video) > 0 {
		label = video[0].Label()
	}
	v.title = ShareTitle(label)
	return nil
}

// Bars samples the analyser and returns one height per drawn bin, each at
// least MinBarHeight. It returns nil when not started.
func (v *FrequencyVisualizer) Bars(height float64) []float64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.node == nil {
		return nil
	}
	v.node.ByteFrequencyData(v.bins)
	return BarHeights(v.bins, v.cfg.BinFraction, height, v.cfg.MinBarHeight)
}

func (v *FrequencyVisualizer) Title() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.title
}

func (v *FrequencyVisualizer) Stop() {
	v.mu.Lock()
	node := v.node
	v.node = nil
	v.bins = nil
	v.title = ""
	v.mu.Unlock()

	if node != nil {
		if err := node.Disconnect(); err != nil {
			v.logger.Warnw("failed to disconnect visualizer analyser", "error", err)
		}
	}
}

func (v *FrequencyVisualizer) Close() {
	v.Stop()

	v.mu.Lock()
	graph := v.graph
	v.graph = nil
	v.mu.Unlock()

	if graph != nil {
		if err := graph.Close(); err != nil {
			v.logger.Warnw("failed to close visualizer audio graph", "error", err)
		}
	}
}

// BarHeights scales the lowest fraction of bins to height.
func BarHeights(bins []byte, fraction, height, minHeight float64) []float64 {
	n := int(math.Floor(float64(len(bins)) * fraction))
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = math.Max(minHeight, float64(bins[i])/255*height)
	}
	return out
}

// ShareTitle strips the browser suffix from a captured tab label.
func ShareTitle(label string) string {
	title := strings.TrimSpace(browserSuffix.ReplaceAllString(label, ""))
	if title == "" {
		return DefaultShareTitle
	}
	return title
}
