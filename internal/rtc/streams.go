package rtc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yminds/interview-core/internal/devices"
	"github.com/yminds/interview-core/internal/media"
)

// ErrNoStream is returned when the expected remote stream has not arrived.
var ErrNoStream = errors.New("rtc: remote stream not available")

const streamWait = 10 * time.Second

// StreamDirectory sorts a peer's remote streams into the microphone and the
// screen share. The microphone is the audio-only stream; the screen share is
// whichever stream carries video. Microphone audio is fanned out so several
// consumers can read it at once.
type StreamDirectory struct {
	mu      sync.Mutex
	streams []*media.Stream
	micFan  *media.Fanout
	arrived chan struct{}
}

// NewStreamDirectory attaches to the peer's stream callback.
func NewStreamDirectory(p *Peer) *StreamDirectory {
	d := &StreamDirectory{arrived: make(chan struct{}, 4)}
	p.OnStream(d.add)
	return d
}

func (d *StreamDirectory) add(s *media.Stream) {
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	select {
	case d.arrived <- struct{}{}:
	default:
	}
}

// mic returns the audio-only stream, nil if absent.
func (d *StreamDirectory) mic() *media.Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.streams {
		if !s.Has(media.KindVideo) && s.Has(media.KindAudio) {
			return s
		}
	}
	return nil
}

// screen returns the stream carrying video, nil if absent.
func (d *StreamDirectory) screen() *media.Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.streams {
		if s.Has(media.KindVideo) {
			return s
		}
	}
	return nil
}

// OpenAudio subscribes to the microphone. It implements the opener used by
// the device probe and the transcription client.
func (d *StreamDirectory) OpenAudio() (media.PCMSource, func(), error) {
	mic := d.mic()
	if mic == nil {
		return nil, nil, ErrNoStream
	}
	d.mu.Lock()
	if d.micFan == nil {
		d.micFan = media.NewFanout(mic.Audio)
	}
	fan := d.micFan
	d.mu.Unlock()
	sub := fan.Subscribe(256)
	return sub, sub.Close, nil
}

// OpenScreen waits briefly for the screen-share stream. Implements the
// capture recorder's source.
func (d *StreamDirectory) OpenScreen(ctx context.Context) (*media.Stream, error) {
	deadline := time.NewTimer(streamWait)
	defer deadline.Stop()
	for {
		if s := d.screen(); s != nil {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrNoStream
		case <-d.arrived:
		}
	}
}

// OpenMicrophone returns a stream wrapping a fresh microphone subscription.
func (d *StreamDirectory) OpenMicrophone(ctx context.Context) (*media.Stream, error) {
	src, release, err := d.OpenAudio()
	if err != nil {
		return nil, err
	}
	return media.NewStream("mic", src, nil, release), nil
}

// DeviceEnumerator adapts the directory to the device probe. The candidate's
// browser publishes one track per granted device, so enumeration reflects
// the tracks actually arriving on the peer.
type DeviceEnumerator struct {
	dir *StreamDirectory
}

// NewDeviceEnumerator wraps a stream directory.
func NewDeviceEnumerator(dir *StreamDirectory) *DeviceEnumerator {
	return &DeviceEnumerator{dir: dir}
}

// List reports the remote devices currently publishing.
func (e *DeviceEnumerator) List(kind devices.Kind) ([]devices.Device, error) {
	switch kind {
	case devices.KindMic:
		if s := e.dir.mic(); s != nil {
			return []devices.Device{{ID: s.ID, Label: "remote microphone", Kind: kind}}, nil
		}
	case devices.KindCamera:
		if s := e.dir.screen(); s != nil {
			return []devices.Device{{ID: s.ID, Label: "remote camera", Kind: kind}}, nil
		}
	}
	return nil, nil
}

// OpenAudio subscribes to the microphone fanout. The device id is advisory:
// the peer carries a single published microphone track.
func (e *DeviceEnumerator) OpenAudio(deviceID string) (media.PCMSource, func(), error) {
	return e.dir.OpenAudio()
}
