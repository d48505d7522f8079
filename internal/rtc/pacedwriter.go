package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/hraban/opus"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"

	"github.com/yminds/interview-core/internal/media"
)

// SampleWriter is the slice of a webrtc local track the writer needs.
type SampleWriter interface {
	WriteSample(s pionmedia.Sample) error
}

// OpusPacedWriter encodes 48kHz mono PCM to opus frames and writes them to
// the outgoing track paced at 20ms. It is the production playback path for
// synthesized speech.
type OpusPacedWriter struct {
	enc          *opus.Encoder
	track        SampleWriter
	frameSamples int
	frames       chan []byte
	stopCh       chan struct{}
	stopped      bool
	mu           sync.Mutex
	pcmBuf       media.Frame
}

// NewOpusPacedWriter constructs a paced writer with 20ms frames at 48kHz
// mono and starts its pacer.
func NewOpusPacedWriter(track SampleWriter) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(48000, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &OpusPacedWriter{
		enc:          enc,
		track:        track,
		frameSamples: 960, // 20ms at 48kHz
		frames:       make(chan []byte, 512),
		stopCh:       make(chan struct{}),
	}
	go w.pacer()
	return w, nil
}

// Play pushes one synthesized payload through the writer in real time,
// reporting a 0..1 amplitude per 20ms window. It returns once the whole
// payload has been handed to the pacer or the context is canceled.
func (w *OpusPacedWriter) Play(ctx context.Context, audio []byte, onAmplitude func(float64)) error {
	pcm := media.FrameFromBytes(audio)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for off := 0; off < len(pcm); off += w.frameSamples {
		end := off + w.frameSamples
		if end > len(pcm) {
			end = len(pcm)
		}
		frame := pcm[off:end]
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case <-ticker.C:
			w.WritePCM(frame)
			if onAmplitude != nil {
				onAmplitude(frame.Amplitude())
			}
		}
	}
	return nil
}

// WritePCM buffers PCM and emits encoded frames for every complete 20ms
// window.
func (w *OpusPacedWriter) WritePCM(frame media.Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pcmBuf = append(w.pcmBuf, frame...)
	opusBuf := make([]byte, 4000)
	for len(w.pcmBuf) >= w.frameSamples {
		window := w.pcmBuf[:w.frameSamples]
		n, _ := w.enc.Encode(window, opusBuf)
		if n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.pushFrame(pkt)
		}
		copy(w.pcmBuf, w.pcmBuf[w.frameSamples:])
		w.pcmBuf = w.pcmBuf[:len(w.pcmBuf)-w.frameSamples]
	}
}

// FlushTail pads the remaining PCM to a full frame and appends a short
// silence tail to avoid clipping the last syllable.
func (w *OpusPacedWriter) FlushTail() {
	w.mu.Lock()
	opusBuf := make([]byte, 4000)
	if len(w.pcmBuf) > 0 {
		pad := make(media.Frame, w.frameSamples)
		copy(pad, w.pcmBuf)
		n, _ := w.enc.Encode(pad, opusBuf)
		if n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.pushFrame(pkt)
		}
		w.pcmBuf = w.pcmBuf[:0]
	}
	w.mu.Unlock()
	silence := make(media.Frame, w.frameSamples)
	for i := 0; i < 10; i++ {
		n, _ := w.enc.Encode(silence, opusBuf)
		if n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.pushFrame(pkt)
		}
	}
}

// Reset drops any queued frames and buffered PCM so playback stops
// immediately.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			w.mu.Unlock()
			return
		}
	}
}

// Close stops the pacer.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(pionmedia.Sample{Data: frame, Duration: 20 * time.Millisecond})
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available or stopped.
func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	for {
		select {
		case <-w.stopCh:
			return
		case w.frames <- pkt:
			return
		}
	}
}
