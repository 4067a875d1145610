package media

import (
	"context"
	"errors"
	"fmt"

	"mediasession/internal/core/domain"
	"mediasession/internal/core/ports"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/driver"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"
)

var errNoPCM = errors.New("track does not expose PCM samples")

type Config struct {
	// SampleRate requested from microphones, in Hz.
	SampleRate int
	// LoopbackDeviceID records system output for tab-audio shares. Empty
	// means display captures carry no audio.
	LoopbackDeviceID string
}

// Platform implements ports.MediaPlatform on pion/mediadevices. Driver
// packages must be linked in separately, see drivers.go.
//
// mediadevices calls do not take a context, so a request is only checked
// for cancellation before it starts; the acquirer stops tracks that arrive
// after the caller gave up.
type Platform struct {
	cfg    Config
	logger *zap.SugaredLogger

	getUserMedia    func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
	getDisplayMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
	enumerate       func() []mediadevices.MediaDeviceInfo
}

func NewPlatform(cfg Config, logger *zap.SugaredLogger) *Platform {
	return &Platform{
		cfg:             cfg,
		logger:          logger,
		getUserMedia:    mediadevices.GetUserMedia,
		getDisplayMedia: mediadevices.GetDisplayMedia,
		enumerate:       mediadevices.EnumerateDevices,
	}
}

var _ ports.MediaPlatform = (*Platform)(nil)

func (p *Platform) RequestUserMedia(ctx context.Context, c ports.UserMediaConstraints) ([]domain.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Video && !c.Audio {
		return nil, fmt.Errorf("%w: no media kind requested", domain.ErrDeviceUnavailable)
	}

	var constraints mediadevices.MediaStreamConstraints
	if c.Video {
		constraints.Video = deviceOption(c.VideoDeviceID)
	}
	if c.Audio {
		constraints.Audio = p.audioOption(c.AudioDeviceID)
	}

	stream, err := p.getUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	return p.wrap(stream.GetTracks()), nil
}

func (p *Platform) RequestDisplayCapture(ctx context.Context, c ports.DisplayConstraints) ([]domain.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream, err := p.getDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(*mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	tracks := p.wrap(stream.GetVideoTracks())

	if c.Audio && p.cfg.LoopbackDeviceID != "" {
		loopback, err := p.getUserMedia(mediadevices.MediaStreamConstraints{
			Audio: p.audioOption(p.cfg.LoopbackDeviceID),
		})
		if err != nil {
			p.logger.Warnw("loopback audio unavailable, sharing video only",
				"device_id", p.cfg.LoopbackDeviceID,
				"error", err,
			)
		} else {
			tracks = append(tracks, p.wrap(loopback.GetAudioTracks())...)
		}
	}
	return tracks, nil
}

// ListMediaDevices lists cameras, microphones and outputs. Screens show up
// as video inputs in mediadevices and are left out.
func (p *Platform) ListMediaDevices(ctx context.Context) (domain.DeviceList, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var devices domain.DeviceList
	for _, info := range p.enumerate() {
		if info.DeviceType == driver.Screen {
			continue
		}
		kind, ok := deviceKind(info.Kind)
		if !ok {
			continue
		}
		devices = append(devices, domain.DeviceInfo{
			ID:    info.DeviceID,
			Kind:  kind,
			Label: info.Label,
		})
	}
	return devices, nil
}

func (p *Platform) audioOption(deviceID string) mediadevices.MediaOption {
	return func(c *mediadevices.MediaTrackConstraints) {
		if !domain.IsDefaultDevice(deviceID) {
			c.DeviceID = prop.StringExact(deviceID)
		}
		if p.cfg.SampleRate > 0 {
			c.SampleRate = prop.Int(p.cfg.SampleRate)
		}
	}
}

func deviceOption(deviceID string) mediadevices.MediaOption {
	return func(c *mediadevices.MediaTrackConstraints) {
		if !domain.IsDefaultDevice(deviceID) {
			c.DeviceID = prop.StringExact(deviceID)
		}
	}
}

func (p *Platform) wrap(tracks []mediadevices.Track) []domain.Track {
	labels := make(map[string]string)
	for _, info := range p.enumerate() {
		labels[info.DeviceID] = info.Label
	}

	out := make([]domain.Track, 0, len(tracks))
	for _, mt := range tracks {
		switch tr := mt.(type) {
		case *mediadevices.AudioTrack:
			t := newTrack(tr, domain.TrackTypeAudio, labels[tr.ID()], p.logger)
			t.pcm = func() audio.Reader { return tr.NewReader(false) }
			out = append(out, t)
		case *mediadevices.VideoTrack:
			out = append(out, newTrack(tr, domain.TrackTypeVideo, labels[tr.ID()], p.logger))
		default:
			p.logger.Warnw("dropping track of unknown type",
				"track_id", mt.ID(),
			)
			mt.Close()
		}
	}
	return out
}

func deviceKind(kind mediadevices.MediaDeviceType) (domain.DeviceKind, bool) {
	switch kind {
	case mediadevices.VideoInput:
		return domain.DeviceKindVideoInput, true
	case mediadevices.AudioInput:
		return domain.DeviceKindAudioInput, true
	case mediadevices.AudioOutput:
		return domain.DeviceKindAudioOutput, true
	default:
		return "", false
	}
}

// UnavailablePlatform backs the "none" capture driver: every request
// fails as if no device were attached.
type UnavailablePlatform struct{}

func (UnavailablePlatform) RequestUserMedia(context.Context, ports.UserMediaConstraints) ([]domain.Track, error) {
	return nil, fmt.Errorf("%w: capture driver disabled", domain.ErrDeviceUnavailable)
}

func (UnavailablePlatform) RequestDisplayCapture(context.Context, ports.DisplayConstraints) ([]domain.Track, error) {
	return nil, fmt.Errorf("%w: capture driver disabled", domain.ErrDeviceUnavailable)
}

func (UnavailablePlatform) ListMediaDevices(context.Context) (domain.DeviceList, error) {
	return domain.DeviceList{}, nil
}
