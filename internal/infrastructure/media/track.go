package media

import (
	"sync"
	"sync/atomic"

	"mediasession/internal/core/domain"

	"github.com/pion/mediadevices/pkg/io/audio"
	"go.uber.org/zap"
)

// source is the part of mediadevices.Track the session relies on.
type source interface {
	ID() string
	Close() error
	OnEnded(func(error))
}

// Track adapts a mediadevices track to domain.Track. The device id is the
// driver id, which mediadevices also uses as the track id.
type Track struct {
	src    source
	typ    domain.TrackType
	label  string
	pcm    func() audio.Reader
	logger *zap.SugaredLogger

	enabled   atomic.Bool
	closeOnce sync.Once

	mu       sync.Mutex
	state    domain.TrackState
	nextID   int
	handlers map[int]func()
}

func newTrack(src source, typ domain.TrackType, label string, logger *zap.SugaredLogger) *Track {
	t := &Track{
		src:      src,
		typ:      typ,
		label:    label,
		logger:   logger,
		state:    domain.TrackStateLive,
		handlers: make(map[int]func()),
	}
	t.enabled.Store(true)

	src.OnEnded(func(err error) {
		if t.end() {
			logger.Infow("track ended by platform",
				"track_id", src.ID(),
				"type", typ,
				"error", err,
			)
		}
	})
	return t
}

func (t *Track) ID() string             { return t.src.ID() }
func (t *Track) Type() domain.TrackType { return t.typ }
func (t *Track) DeviceID() string       { return t.src.ID() }

func (t *Track) Label() string {
	if t.label == "" {
		return t.src.ID()
	}
	return t.label
}

func (t *Track) Enabled() bool           { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *Track) State() domain.TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Stop ends the track and closes the driver exactly once, even when the
// platform already ended it.
func (t *Track) Stop() {
	t.end()
	t.closeOnce.Do(func() {
		if err := t.src.Close(); err != nil {
			t.logger.Warnw("failed to close track",
				"track_id", t.src.ID(),
				"error", err,
			)
		}
	})
}

func (t *Track) OnEnded(fn func()) (cancel func()) {
	t.mu.Lock()
	if t.state == domain.TrackStateEnded {
		t.mu.Unlock()
		fn()
		return func() {}
	}
	id := t.nextID
	t.nextID++
	t.handlers[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.handlers, id)
		t.mu.Unlock()
	}
}

// NewPCMReader opens a reader on the raw samples of an audio track.
// Readers share the driver; closing one never stops the track.
func (t *Track) NewPCMReader() (audio.Reader, error) {
	if t.pcm == nil {
		return nil, errNoPCM
	}
	return t.pcm(), nil
}

func (t *Track) end() bool {
	t.mu.Lock()
	if t.state == domain.TrackStateEnded {
		t.mu.Unlock()
		return false
	}
	t.state = domain.TrackStateEnded
	handlers := make([]func(), 0, len(t.handlers))
	for _, fn := range t.handlers {
		handlers = append(handlers, fn)
	}
	t.handlers = make(map[int]func())
	t.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
	return true
}
