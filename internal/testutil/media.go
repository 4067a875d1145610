package testutil

import (
	"context"
	"fmt"
	"sync"

	"mediasession/internal/core/domain"
	"mediasession/internal/core/ports"
)

// FakeTrack is an in-memory domain.Track.
type FakeTrack struct {
	id       string
	typ      domain.TrackType
	label    string
	deviceID string

	mu      sync.Mutex
	enabled bool
	state   domain.TrackState
	stops   int
	nextID  int
	onEnded map[int]func()
	onSet   func(enabled bool)
}

func NewFakeTrack(id string, typ domain.TrackType, label, deviceID string) *FakeTrack {
	return &FakeTrack{
		id:       id,
		typ:      typ,
		label:    label,
		deviceID: deviceID,
		enabled:  true,
		state:    domain.TrackStateLive,
		onEnded:  make(map[int]func()),
	}
}

func (t *FakeTrack) ID() string             { return t.id }
func (t *FakeTrack) Type() domain.TrackType { return t.typ }
func (t *FakeTrack) Label() string          { return t.label }
func (t *FakeTrack) DeviceID() string       { return t.deviceID }

func (t *FakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *FakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	hook := t.onSet
	t.mu.Unlock()

	if hook != nil {
		hook(enabled)
	}
}

// HookSetEnabled runs fn after every SetEnabled, outside the track's lock.
func (t *FakeTrack) HookSetEnabled(fn func(enabled bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSet = fn
}

func (t *FakeTrack) State() domain.TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Stop ends the track; only the first call fires the ended handlers.
func (t *FakeTrack) Stop() {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
	t.end()
}

// EndFromPlatform simulates the platform ending the track, as when the
// user presses the browser's "stop sharing" button.
func (t *FakeTrack) EndFromPlatform() {
	t.end()
}

// StopCalls counts Stop invocations, including no-op repeats.
func (t *FakeTrack) StopCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// OnEnded runs fn before returning when the track has already ended, like
// the mediadevices adapter does.
func (t *FakeTrack) OnEnded(fn func()) (cancel func()) {
	t.mu.Lock()
	if t.state == domain.TrackStateEnded {
		t.mu.Unlock()
		fn()
		return func() {}
	}
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.onEnded[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.onEnded, id)
		t.mu.Unlock()
	}
}

func (t *FakeTrack) end() {
	t.mu.Lock()
	if t.state == domain.TrackStateEnded {
		t.mu.Unlock()
		return
	}
	t.state = domain.TrackStateEnded
	handlers := make([]func(), 0, len(t.onEnded))
	for _, fn := range t.onEnded {
		handlers = append(handlers, fn)
	}
	t.onEnded = make(map[int]func())
	t.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

// FakePlatform is a scriptable ports.MediaPlatform. Errors queued with
// FailUserMedia / FailDisplay are returned by the next calls in order.
type FakePlatform struct {
	mu sync.Mutex

	userMediaErrs []error
	displayErrs   []error
	// DisplayWithoutAudio makes display captures return video only.
	DisplayWithoutAudio bool
	// DisplayLabel is the label of captured display video tracks.
	DisplayLabel string
	// DisplayEndedOnGrant hands out display video tracks the platform has
	// already ended, as when the user stops sharing from the native UI
	// before the grant is processed.
	DisplayEndedOnGrant bool
	// OnTrack sees every track as it is created, before it is handed out.
	OnTrack func(*FakeTrack)
	// Gate, when set, is called before a request resolves. It may block to
	// simulate a pending permission prompt; it deliberately ignores ctx
	// unless the test's gate honours it.
	Gate func(ctx context.Context, call string)

	devices     domain.DeviceList
	listErr     error
	userCalls   []ports.UserMediaConstraints
	displayCall int
	tracks      []*FakeTrack
	seq         int
}

func NewFakePlatform() *FakePlatform {
	return &FakePlatform{
		DisplayLabel: "Lo-fi beats - Google Chrome",
		devices: domain.DeviceList{
			{ID: "cam-1", Kind: domain.DeviceKindVideoInput, Label: "Built-in Camera"},
			{ID: "cam-2", Kind: domain.DeviceKindVideoInput, Label: "USB Camera"},
			{ID: "mic-1", Kind: domain.DeviceKindAudioInput, Label: "Built-in Microphone"},
			{ID: "mic-2", Kind: domain.DeviceKindAudioInput, Label: "Headset"},
			{ID: "spk-1", Kind: domain.DeviceKindAudioOutput, Label: "Speakers"},
		},
	}
}

func (p *FakePlatform) FailUserMedia(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userMediaErrs = append(p.userMediaErrs, errs...)
}

func (p *FakePlatform) FailDisplay(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.displayErrs = append(p.displayErrs, errs...)
}

func (p *FakePlatform) SetDevices(devices domain.DeviceList, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = devices
	p.listErr = err
}

func (p *FakePlatform) RequestUserMedia(ctx context.Context, c ports.UserMediaConstraints) ([]domain.Track, error) {
	p.mu.Lock()
	p.userCalls = append(p.userCalls, c)
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		gate(ctx, "user_media")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.userMediaErrs) > 0 {
		err := p.userMediaErrs[0]
		p.userMediaErrs = p.userMediaErrs[1:]
		return nil, err
	}

	var tracks []domain.Track
	if c.Video {
		tracks = append(tracks, p.newTrack(domain.TrackTypeVideo, "Camera", orDefault(c.VideoDeviceID, "cam-1")))
	}
	if c.Audio {
		tracks = append(tracks, p.newTrack(domain.TrackTypeAudio, "Microphone", orDefault(c.AudioDeviceID, "mic-1")))
	}
	return tracks, nil
}

func (p *FakePlatform) RequestDisplayCapture(ctx context.Context, c ports.DisplayConstraints) ([]domain.Track, error) {
	p.mu.Lock()
	p.displayCall++
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		gate(ctx, "display")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.displayErrs) > 0 {
		err := p.displayErrs[0]
		p.displayErrs = p.displayErrs[1:]
		return nil, err
	}

	video := p.newTrack(domain.TrackTypeVideo, p.DisplayLabel, "")
	if p.DisplayEndedOnGrant {
		video.EndFromPlatform()
	}
	tracks := []domain.Track{video}
	if c.Audio && !p.DisplayWithoutAudio {
		tracks = append(tracks, p.newTrack(domain.TrackTypeAudio, "System audio", ""))
	}
	return tracks, nil
}

func (p *FakePlatform) ListMediaDevices(ctx context.Context) (domain.DeviceList, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append(domain.DeviceList(nil), p.devices...), nil
}

// UserMediaCalls returns the constraints of every camera/mic request.
func (p *FakePlatform) UserMediaCalls() []ports.UserMediaConstraints {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ports.UserMediaConstraints(nil), p.userCalls...)
}

func (p *FakePlatform) DisplayCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.displayCall
}

// Tracks returns every track the platform ever handed out.
func (p *FakePlatform) Tracks() []*FakeTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*FakeTrack(nil), p.tracks...)
}

// LiveTracks counts handed-out tracks that were never stopped.
func (p *FakePlatform) LiveTracks() int {
	n := 0
	for _, t := range p.Tracks() {
		if t.State() == domain.TrackStateLive {
			n++
		}
	}
	return n
}

func (p *FakePlatform) newTrack(typ domain.TrackType, label, deviceID string) *FakeTrack {
	p.seq++
	t := NewFakeTrack(fmt.Sprintf("track-%d", p.seq), typ, label, deviceID)
	p.tracks = append(p.tracks, t)
	if p.OnTrack != nil {
		p.OnTrack(t)
	}
	return t
}

func orDefault(id, fallback string) string {
	if id == "" {
		return fallback
	}
	return id
}
