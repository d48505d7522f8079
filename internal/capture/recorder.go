package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/yminds/interview-core/internal/media"
	"github.com/yminds/interview-core/internal/storage"
)

// ErrMissingSystemAudio rejects a screen share without a system-audio
// track. The caller must prompt the user to re-share with audio enabled;
// capture never proceeds silently without it.
var ErrMissingSystemAudio = errors.New("capture: screen share has no system audio track")

// State is the recorder lifecycle.
type State string

const (
	StateIdle       State = "IDLE"
	StateRequesting State = "REQUESTING_PERMISSION"
	StateCapturing  State = "CAPTURING"
	StateStopping   State = "STOPPING"
)

// ChunkState tracks one chunk's upload progress.
type ChunkState string

const (
	ChunkPending   ChunkState = "PENDING"
	ChunkUploading ChunkState = "UPLOADING"
	ChunkUploaded  ChunkState = "UPLOADED"
	ChunkFailed    ChunkState = "FAILED"
)

// Chunk is one timed segment of the recording. Numbers start at 1 and
// increase by one per flush; a retry reuses the number so object-store
// overwrites stay idempotent.
type Chunk struct {
	Number int
	Blob   []byte
	State  ChunkState
}

// Encoder turns mixed PCM into container bytes for upload.
type Encoder interface {
	// Encode consumes one PCM frame and returns any container bytes that
	// became complete.
	Encode(frame media.Frame) ([]byte, error)
	// Flush pads and returns whatever remains buffered.
	Flush() ([]byte, error)
	MimeType() string
	FileExt() string
}

// ScreenSource opens the capture surfaces. The recorder owns the returned
// streams exclusively and closes them on teardown.
type ScreenSource interface {
	// OpenScreen returns the screen stream: video plus system audio.
	OpenScreen(ctx context.Context) (*media.Stream, error)
	// OpenMicrophone returns a dedicated microphone stream.
	OpenMicrophone(ctx context.Context) (*media.Stream, error)
}

// Registrar records an uploaded chunk URL against the interview report.
type Registrar interface {
	RegisterRecording(ctx context.Context, interviewID, url string) error
}

const (
	uploadAttempts = 3
	uploadTimeout  = 45 * time.Second
)

var uploadBackoff = 500 * time.Millisecond

// Recorder captures screen video plus mixed system/microphone audio into
// timed chunks and uploads each one while the interview runs. Upload
// failures are logged and never abort the session; screen recording is
// best-effort.
type Recorder struct {
	src       ScreenSource
	enc       Encoder
	uploader  storage.Uploader
	registrar Registrar

	sessionID   string
	interviewID string
	interval    time.Duration

	onSharing func(active bool)

	// encMu serializes Encode and Flush; the encoder is not safe for
	// concurrent use
	encMu sync.Mutex

	mu       sync.Mutex
	state    State
	stopping bool
	buf      []byte
	lastNum  int
	screen   *media.Stream
	mic      *media.Stream
	stopCh   chan struct{}
	chunks   chan *Chunk
	done     chan struct{}
}

// New constructs a recorder. registrar may be nil.
func New(src ScreenSource, enc Encoder, up storage.Uploader, registrar Registrar, sessionID, interviewID string, interval time.Duration) *Recorder {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Recorder{
		src:         src,
		enc:         enc,
		uploader:    up,
		registrar:   registrar,
		sessionID:   sessionID,
		interviewID: interviewID,
		interval:    interval,
		state:       StateIdle,
	}
}

// OnSharingChange registers a callback fired when capture starts and stops,
// so the sharing flag can be persisted across reconnects. Set it before
// StartCapture.
func (r *Recorder) OnSharingChange(fn func(active bool)) {
	r.onSharing = fn
}

// State returns the current lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// StartCapture requests the screen and microphone streams and begins the
// segment loop. A screen stream without system audio is rejected before any
// mixing happens.
func (r *Recorder) StartCapture(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return fmt.Errorf("capture: start while %s", r.state)
	}
	r.state = StateRequesting
	r.mu.Unlock()

	screen, err := r.src.OpenScreen(ctx)
	if err != nil {
		r.setState(StateIdle)
		return fmt.Errorf("capture: open screen: %w", err)
	}
	if !screen.HasAudio() {
		screen.Close()
		r.setState(StateIdle)
		return ErrMissingSystemAudio
	}
	mic, err := r.src.OpenMicrophone(ctx)
	if err != nil {
		screen.Close()
		r.setState(StateIdle)
		return fmt.Errorf("capture: open microphone: %w", err)
	}

	mixed := media.NewMixer(screen.Audio, mic.Audio)

	r.mu.Lock()
	r.screen = screen
	r.mic = mic
	r.stopping = false
	r.lastNum = 0
	r.buf = nil
	r.stopCh = make(chan struct{})
	r.chunks = make(chan *Chunk, 16)
	r.done = make(chan struct{})
	r.state = StateCapturing
	stopCh := r.stopCh
	chunks := r.chunks
	done := r.done
	r.mu.Unlock()

	go r.encodeLoop(mixed, stopCh)
	if screen.Video != nil {
		go r.videoLoop(screen.Video, stopCh)
	}
	go r.segmentLoop(stopCh)
	go r.uploadLoop(chunks, done)
	if r.onSharing != nil {
		r.onSharing(true)
	}
	return nil
}

// encodeLoop pulls mixed PCM and appends encoded bytes to the segment
// buffer.
func (r *Recorder) encodeLoop(mixed media.PCMSource, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		f, err := mixed.ReadFrame()
		if err != nil {
			if err != io.EOF {
				log.Printf("capture: mixed audio read error: %v", err)
			}
			return
		}
		r.encMu.Lock()
		data, err := r.enc.Encode(f)
		r.encMu.Unlock()
		if err != nil {
			log.Printf("capture: encode error: %v", err)
			continue
		}
		r.appendBuf(data)
	}
}

// videoLoop appends encoded video data to the same segment buffer.
func (r *Recorder) videoLoop(video media.EncodedSource, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		data, err := video.ReadChunk()
		if err != nil {
			if err != io.EOF {
				log.Printf("capture: video read error: %v", err)
			}
			return
		}
		r.appendBuf(data)
	}
}

func (r *Recorder) appendBuf(data []byte) {
	if len(data) == 0 {
		return
	}
	r.mu.Lock()
	if r.state == StateCapturing {
		r.buf = append(r.buf, data...)
	}
	r.mu.Unlock()
}

// segmentLoop flushes the buffer into a numbered chunk on every interval.
func (r *Recorder) segmentLoop(stop chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.flush(false)
		}
	}
}

// flush cuts the current buffer into the next chunk and queues its upload.
// Chunk numbers advance exactly once per flush with data; upload retries
// reuse the assigned number.
func (r *Recorder) flush(final bool) {
	r.mu.Lock()
	if r.stopping && !final {
		r.mu.Unlock()
		return
	}
	if len(r.buf) == 0 {
		r.mu.Unlock()
		return
	}
	blob := r.buf
	r.buf = nil
	r.lastNum++
	chunk := &Chunk{Number: r.lastNum, Blob: blob, State: ChunkPending}
	chunks := r.chunks
	r.mu.Unlock()
	select {
	case chunks <- chunk:
	default:
		// uploader hopelessly behind; drop rather than grow without bound
		log.Printf("capture: upload queue full, dropping chunk %d", chunk.Number)
	}
}

// uploadLoop uploads queued chunks serially. At most one attempt per chunk
// number is in flight at any time; a failed attempt retries the same number
// with backoff before giving up on that chunk.
func (r *Recorder) uploadLoop(chunks chan *Chunk, done chan struct{}) {
	defer close(done)
	for chunk := range chunks {
		r.uploadChunk(chunk)
		// uploaded or permanently failed; either way the blob is released
		chunk.Blob = nil
	}
}

func (r *Recorder) uploadChunk(chunk *Chunk) {
	key := fmt.Sprintf("interview_chunk_%s_%d.%s", r.sessionID, chunk.Number, r.enc.FileExt())
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		chunk.State = ChunkUploading
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		url, err := r.uploader.Upload(ctx, key, r.enc.MimeType(), chunk.Blob)
		cancel()
		if err == nil {
			chunk.State = ChunkUploaded
			if r.registrar != nil {
				ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
				if rerr := r.registrar.RegisterRecording(ctx, r.interviewID, url); rerr != nil {
					log.Printf("capture: register chunk %d: %v", chunk.Number, rerr)
				}
				cancel()
			}
			return
		}
		chunk.State = ChunkFailed
		log.Printf("capture: upload chunk %d attempt %d: %v", chunk.Number, attempt, err)
		if attempt < uploadAttempts {
			time.Sleep(time.Duration(attempt) * uploadBackoff)
		}
	}
	log.Printf("capture: giving up on chunk %d", chunk.Number)
}

// StopCapture flushes the partial buffer as a final chunk, waits for the
// upload queue to drain and tears down every track. Idempotent: a second
// call is a no-op.
func (r *Recorder) StopCapture() {
	r.mu.Lock()
	if r.state != StateCapturing || r.stopping {
		r.mu.Unlock()
		return
	}
	r.stopping = true
	r.state = StateStopping
	stopCh := r.stopCh
	r.mu.Unlock()

	close(stopCh)
	// flush whatever the encoder still buffers, then the partial segment
	r.encMu.Lock()
	tail, err := r.enc.Flush()
	r.encMu.Unlock()
	if err == nil {
		r.appendBufFinal(tail)
	} else {
		log.Printf("capture: encoder flush: %v", err)
	}
	r.flush(true)

	r.mu.Lock()
	chunks := r.chunks
	done := r.done
	screen := r.screen
	mic := r.mic
	r.screen = nil
	r.mic = nil
	r.mu.Unlock()

	close(chunks)
	<-done

	if screen != nil {
		screen.Close()
	}
	if mic != nil {
		mic.Close()
	}
	r.setState(StateIdle)
	if r.onSharing != nil {
		r.onSharing(false)
	}
}

// appendBufFinal appends during STOPPING, when appendBuf no longer accepts
// data.
func (r *Recorder) appendBufFinal(data []byte) {
	if len(data) == 0 {
		return
	}
	r.mu.Lock()
	r.buf = append(r.buf, data...)
	r.mu.Unlock()
}

func (r *Recorder) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}
