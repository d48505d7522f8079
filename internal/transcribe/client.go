package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/yminds/interview-core/internal/media"
)

var (
	// ErrAlreadyRecording rejects a second BeginRecording while one is
	// active. It is a guard, not a queue.
	ErrAlreadyRecording = errors.New("transcribe: already recording")
	// ErrWrongPhase rejects recording outside the user-answering phase.
	ErrWrongPhase = errors.New("transcribe: session is not in user-answering phase")
)

// STT submits one recorded clip for transcription.
type STT interface {
	Transcribe(ctx context.Context, clip []byte, mimeType string) (string, error)
}

// MicOpener opens the client's own microphone stream. The transcription
// client owns its stream instance exclusively; it never shares a handle with
// the capture recorder.
type MicOpener interface {
	OpenAudio() (media.PCMSource, func(), error)
}

// Client records the user's spoken answer, submits the clip for
// transcription and emits the resulting text as a conversation turn.
type Client struct {
	stt     STT
	opener  MicOpener
	phaseOK func() bool // true only while the session accepts an answer
	onTurn  func(text string)

	mu         sync.Mutex
	recording  bool
	submitted  bool
	stop       chan struct{}
	release    func()
	clip       media.Frame
	sampleRate int
}

// NewClient wires the recorder. onTurn receives the transcribed text of each
// completed answer.
func NewClient(stt STT, opener MicOpener, phaseOK func() bool, onTurn func(string)) *Client {
	return &Client{stt: stt, opener: opener, phaseOK: phaseOK, onTurn: onTurn}
}

// BeginRecording starts microphone capture into the clip buffer. Allowed
// only while the session is in its user-answering phase.
func (c *Client) BeginRecording() error {
	if c.phaseOK != nil && !c.phaseOK() {
		return ErrWrongPhase
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recording {
		return ErrAlreadyRecording
	}
	src, release, err := c.opener.OpenAudio()
	if err != nil {
		return fmt.Errorf("transcribe: open microphone: %w", err)
	}
	c.recording = true
	c.submitted = false
	c.clip = nil
	c.sampleRate = src.SampleRate()
	c.release = release
	stop := make(chan struct{})
	c.stop = stop
	go c.record(src, stop)
	return nil
}

func (c *Client) record(src media.PCMSource, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		f, err := src.ReadFrame()
		if err != nil {
			if err != io.EOF {
				log.Printf("transcribe: mic read error: %v", err)
			}
			return
		}
		c.mu.Lock()
		if c.recording {
			c.clip = append(c.clip, f...)
		}
		c.mu.Unlock()
	}
}

// EndRecording stops capture, assembles the clip and submits it once for
// transcription. Calling it while not recording is a no-op. A transcription
// failure is returned to the caller as recoverable; the turn is simply not
// recorded.
func (c *Client) EndRecording(ctx context.Context) error {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return nil
	}
	c.recording = false
	close(c.stop)
	c.stop = nil
	if c.release != nil {
		c.release()
		c.release = nil
	}
	if c.submitted {
		c.mu.Unlock()
		return nil
	}
	c.submitted = true
	clip := c.clip
	c.clip = nil
	rate := c.sampleRate
	c.mu.Unlock()

	if len(clip) == 0 {
		return nil
	}
	wav := EncodeWAV(clip, rate)
	text, err := c.stt.Transcribe(ctx, wav, "audio/wav")
	if err != nil {
		return fmt.Errorf("transcribe: submit clip: %w", err)
	}
	if text != "" && c.onTurn != nil {
		c.onTurn(text)
	}
	return nil
}

// Recording reports whether a clip is currently being captured.
func (c *Client) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

func (c *Client) hasClipData() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clip) > 0
}
