package ports

import "mediasession/internal/core/domain"

type AnalyserOptions struct {
	// FFTSize is a power of two; the node exposes FFTSize/2 bins.
	FFTSize int
	// SmoothingTimeConstant in [0,1) averages successive snapshots.
	SmoothingTimeConstant float64
}

// AnalyserNode reads frequency energy from one audio track. It must never
// stop or mutate the track it reads.
type AnalyserNode interface {
	FrequencyBinCount() int
	// ByteFrequencyData fills dst with 0-255 magnitudes, one per bin.
	ByteFrequencyData(dst []byte)
	Disconnect() error
}

type AudioGraph interface {
	CreateAnalyser(track domain.Track, opts AnalyserOptions) (AnalyserNode, error)
	Close() error
}

// AudioGraphFactory builds one graph per owner; the owner closes it.
type AudioGraphFactory interface {
	NewGraph() (AudioGraph, error)
}
