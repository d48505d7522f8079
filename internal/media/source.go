package media

import (
	"errors"
	"io"
	"sync"
)

// Kind distinguishes audio from video tracks.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// PCMSource delivers successive PCM frames. ReadFrame blocks until a frame
// is available and returns io.EOF once the source is closed and drained.
type PCMSource interface {
	ReadFrame() (Frame, error)
	SampleRate() int
}

// EncodedSource delivers already-encoded media payloads (e.g. video frames).
type EncodedSource interface {
	ReadChunk() ([]byte, error)
}

// Stream groups the tracks of one capture surface. Audio is PCM, video is
// opaque encoded data. A stream is exclusively owned by whichever component
// requested it; Close tears down every track.
type Stream struct {
	ID    string
	Audio PCMSource
	Video EncodedSource

	closeOnce sync.Once
	onClose   func()
}

// NewStream builds a stream with an optional teardown hook.
func NewStream(id string, audio PCMSource, video EncodedSource, onClose func()) *Stream {
	return &Stream{ID: id, Audio: audio, Video: video, onClose: onClose}
}

// Has reports whether the stream carries a track of the given kind.
func (s *Stream) Has(k Kind) bool {
	if s == nil {
		return false
	}
	switch k {
	case KindAudio:
		return s.Audio != nil
	case KindVideo:
		return s.Video != nil
	}
	return false
}

// HasAudio reports whether the stream carries an audio track.
func (s *Stream) HasAudio() bool { return s.Has(KindAudio) }

// Close releases the underlying tracks. Safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// ErrSourceClosed is returned by buffered sources on writes after Close.
var ErrSourceClosed = errors.New("media: source closed")

// BufferedPCM is a channel-backed PCMSource that producers push frames into.
// The rtc gateway feeds decoded remote audio through one of these.
type BufferedPCM struct {
	frames     chan Frame
	sampleRate int

	mu     sync.Mutex
	closed bool
}

// NewBufferedPCM creates a source with the given channel depth.
func NewBufferedPCM(sampleRate, depth int) *BufferedPCM {
	if depth <= 0 {
		depth = 256
	}
	return &BufferedPCM{frames: make(chan Frame, depth), sampleRate: sampleRate}
}

func (b *BufferedPCM) SampleRate() int { return b.sampleRate }

// Push enqueues a frame, dropping it when the buffer is full so a slow
// consumer never backs up the network read loop.
func (b *BufferedPCM) Push(f Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrSourceClosed
	}
	select {
	case b.frames <- f:
	default:
	}
	return nil
}

// ReadFrame blocks for the next frame; io.EOF after Close drains.
func (b *BufferedPCM) ReadFrame() (Frame, error) {
	f, ok := <-b.frames
	if !ok {
		return nil, io.EOF
	}
	return f, nil
}

// Close stops the source. Idempotent.
func (b *BufferedPCM) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.frames)
	}
}

// BufferedChunks is a channel-backed EncodedSource for opaque payloads such
// as video frames.
type BufferedChunks struct {
	chunks chan []byte

	mu     sync.Mutex
	closed bool
}

// NewBufferedChunks creates a source with the given channel depth.
func NewBufferedChunks(depth int) *BufferedChunks {
	if depth <= 0 {
		depth = 256
	}
	return &BufferedChunks{chunks: make(chan []byte, depth)}
}

// Push enqueues a chunk, dropping it when the buffer is full.
func (b *BufferedChunks) Push(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrSourceClosed
	}
	select {
	case b.chunks <- data:
	default:
	}
	return nil
}

// ReadChunk blocks for the next chunk; io.EOF after Close drains.
func (b *BufferedChunks) ReadChunk() ([]byte, error) {
	data, ok := <-b.chunks
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

// Close stops the source. Idempotent.
func (b *BufferedChunks) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.chunks)
	}
}
