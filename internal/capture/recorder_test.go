package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yminds/interview-core/internal/media"
)

// passEncoder emits PCM bytes unchanged so tests can reason about chunk
// contents.
type passEncoder struct{}

func (passEncoder) Encode(f media.Frame) ([]byte, error) { return f.Bytes(), nil }
func (passEncoder) Flush() ([]byte, error)               { return nil, nil }
func (passEncoder) MimeType() string                     { return "audio/raw" }
func (passEncoder) FileExt() string                      { return "raw" }

type fakeSource struct {
	withAudio bool
	screenPCM *media.BufferedPCM
	micPCM    *media.BufferedPCM
	micOpened bool
}

func (f *fakeSource) OpenScreen(ctx context.Context) (*media.Stream, error) {
	f.screenPCM = media.NewBufferedPCM(48000, 64)
	s := &media.Stream{ID: "screen"}
	if f.withAudio {
		s.Audio = f.screenPCM
	}
	return s, nil
}

func (f *fakeSource) OpenMicrophone(ctx context.Context) (*media.Stream, error) {
	f.micOpened = true
	f.micPCM = media.NewBufferedPCM(48000, 64)
	return &media.Stream{ID: "mic", Audio: f.micPCM}, nil
}

type uploadRec struct {
	key string
	err error
}

type fakeUploader struct {
	mu sync.Mutex
	// failures maps a key prefix to how many attempts should fail first
	failures map[string]int
	attempts []uploadRec
}

func (f *fakeUploader) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for prefix, n := range f.failures {
		if strings.HasPrefix(key, prefix) && n > 0 {
			f.failures[prefix] = n - 1
			err := errors.New("storage unavailable")
			f.attempts = append(f.attempts, uploadRec{key: key, err: err})
			return "", err
		}
	}
	f.attempts = append(f.attempts, uploadRec{key: key})
	return "https://cdn.example.com/" + key, nil
}

func (f *fakeUploader) keys(onlyOK bool) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, a := range f.attempts {
		if onlyOK && a.err != nil {
			continue
		}
		out = append(out, a.key)
	}
	return out
}

type fakeRegistrar struct {
	mu   sync.Mutex
	urls []string
}

func (f *fakeRegistrar) RegisterRecording(ctx context.Context, interviewID, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	return nil
}

func (f *fakeRegistrar) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.urls)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestStartCapture_RejectsMissingSystemAudio(t *testing.T) {
	src := &fakeSource{withAudio: false}
	r := New(src, passEncoder{}, &fakeUploader{}, nil, "s1", "iv1", 20*time.Millisecond)
	err := r.StartCapture(context.Background())
	if !errors.Is(err, ErrMissingSystemAudio) {
		t.Fatalf("expected ErrMissingSystemAudio, got %v", err)
	}
	if r.State() != StateIdle {
		t.Fatalf("state after rejection: %s", r.State())
	}
	if src.micOpened {
		t.Fatalf("microphone must not be opened when the screen has no audio")
	}
}

func TestCapture_ChunkNumbersIncrease(t *testing.T) {
	src := &fakeSource{withAudio: true}
	up := &fakeUploader{}
	reg := &fakeRegistrar{}
	r := New(src, passEncoder{}, up, reg, "sess", "iv1", 25*time.Millisecond)
	if err := r.StartCapture(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.StopCapture()

	go func() {
		for i := 0; i < 40; i++ {
			src.screenPCM.Push(media.Frame{100, 200})
			src.micPCM.Push(media.Frame{-50, 50})
			time.Sleep(5 * time.Millisecond)
		}
	}()

	waitFor(t, 2*time.Second, func() bool { return len(up.keys(true)) >= 2 }, "two chunks uploaded")
	keys := up.keys(true)
	for i, want := range []string{"interview_chunk_sess_1.raw", "interview_chunk_sess_2.raw"} {
		if keys[i] != want {
			t.Fatalf("chunk %d key = %q, want %q", i+1, keys[i], want)
		}
	}
	waitFor(t, time.Second, func() bool { return reg.count() >= 2 }, "chunks registered")
}

func TestCapture_FailedUploadRetriesSameNumber(t *testing.T) {
	old := uploadBackoff
	uploadBackoff = time.Millisecond
	defer func() { uploadBackoff = old }()

	src := &fakeSource{withAudio: true}
	up := &fakeUploader{failures: map[string]int{"interview_chunk_sess_1": 2}}
	r := New(src, passEncoder{}, up, nil, "sess", "iv1", 20*time.Millisecond)
	if err := r.StartCapture(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.StopCapture()

	go func() {
		for i := 0; i < 30; i++ {
			src.screenPCM.Push(media.Frame{10})
			src.micPCM.Push(media.Frame{10})
			time.Sleep(5 * time.Millisecond)
		}
	}()

	waitFor(t, 2*time.Second, func() bool { return len(up.keys(true)) >= 1 }, "retried chunk uploaded")

	all := up.keys(false)
	if len(all) < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", len(all))
	}
	for i := 0; i < 3; i++ {
		if all[i] != "interview_chunk_sess_1.raw" {
			t.Fatalf("attempt %d used key %q, retries must reuse chunk number 1", i, all[i])
		}
	}
	if r.State() != StateCapturing {
		t.Fatalf("upload failures must not stop capture, state = %s", r.State())
	}
}

func TestStopCapture_FlushesPartialChunkAndIsIdempotent(t *testing.T) {
	src := &fakeSource{withAudio: true}
	up := &fakeUploader{}
	r := New(src, passEncoder{}, up, nil, "sess", "iv1", time.Hour)
	if err := r.StartCapture(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.screenPCM.Push(media.Frame{1, 2, 3})
	src.micPCM.Push(media.Frame{4, 5, 6})
	waitFor(t, time.Second, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.buf) > 0
	}, "mixed audio buffered")

	r.StopCapture()
	keys := up.keys(true)
	if len(keys) != 1 || keys[0] != "interview_chunk_sess_1.raw" {
		t.Fatalf("expected the partial buffer as chunk 1, got %v", keys)
	}
	if r.State() != StateIdle {
		t.Fatalf("state after stop: %s", r.State())
	}

	r.StopCapture()
	if got := len(up.keys(true)); got != 1 {
		t.Fatalf("second stop must not produce another chunk, got %d uploads", got)
	}
}

// slowEncoder marks itself busy for the duration of each Encode call so a
// test can detect a Flush overlapping an in-flight Encode.
type slowEncoder struct {
	busy    int32
	overlap int32
}

func (e *slowEncoder) Encode(f media.Frame) ([]byte, error) {
	atomic.StoreInt32(&e.busy, 1)
	time.Sleep(2 * time.Millisecond)
	atomic.StoreInt32(&e.busy, 0)
	return f.Bytes(), nil
}

func (e *slowEncoder) Flush() ([]byte, error) {
	if atomic.LoadInt32(&e.busy) == 1 {
		atomic.StoreInt32(&e.overlap, 1)
	}
	return nil, nil
}

func (e *slowEncoder) MimeType() string { return "audio/raw" }
func (e *slowEncoder) FileExt() string  { return "raw" }

func TestStopCapture_FlushWaitsForInFlightEncode(t *testing.T) {
	src := &fakeSource{withAudio: true}
	enc := &slowEncoder{}
	r := New(src, enc, &fakeUploader{}, nil, "sess", "iv1", time.Hour)
	if err := r.StartCapture(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	stopFeed := make(chan struct{})
	go func() {
		for {
			select {
			case <-stopFeed:
				return
			default:
			}
			src.screenPCM.Push(media.Frame{1})
			src.micPCM.Push(media.Frame{2})
			time.Sleep(time.Millisecond)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	r.StopCapture()
	close(stopFeed)

	if atomic.LoadInt32(&enc.overlap) == 1 {
		t.Fatalf("Flush ran while Encode was in flight")
	}
	if r.State() != StateIdle {
		t.Fatalf("state after stop: %s", r.State())
	}
}

func TestCapture_SharingFlagFollowsLifecycle(t *testing.T) {
	src := &fakeSource{withAudio: true}
	r := New(src, passEncoder{}, &fakeUploader{}, nil, "sess", "iv1", time.Hour)
	var flags []bool
	r.OnSharingChange(func(active bool) { flags = append(flags, active) })

	if err := r.StartCapture(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.StopCapture()

	if len(flags) != 2 || !flags[0] || flags[1] {
		t.Fatalf("sharing flags = %v, want [true false]", flags)
	}

	// a rejected start must not report sharing
	flags = nil
	bad := &fakeSource{withAudio: false}
	r2 := New(bad, passEncoder{}, &fakeUploader{}, nil, "sess", "iv1", time.Hour)
	r2.OnSharingChange(func(active bool) { flags = append(flags, active) })
	if err := r2.StartCapture(context.Background()); !errors.Is(err, ErrMissingSystemAudio) {
		t.Fatalf("expected ErrMissingSystemAudio, got %v", err)
	}
	if len(flags) != 0 {
		t.Fatalf("rejected start must not flag sharing, got %v", flags)
	}
}

func TestCapture_PermanentFailureSkipsNumber(t *testing.T) {
	old := uploadBackoff
	uploadBackoff = time.Millisecond
	defer func() { uploadBackoff = old }()

	src := &fakeSource{withAudio: true}
	up := &fakeUploader{failures: map[string]int{"interview_chunk_sess_1": uploadAttempts}}
	r := New(src, passEncoder{}, up, nil, "sess", "iv1", 20*time.Millisecond)
	if err := r.StartCapture(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.StopCapture()

	go func() {
		for i := 0; i < 40; i++ {
			src.screenPCM.Push(media.Frame{10})
			src.micPCM.Push(media.Frame{10})
			time.Sleep(5 * time.Millisecond)
		}
	}()

	waitFor(t, 2*time.Second, func() bool {
		for _, k := range up.keys(true) {
			if k == fmt.Sprintf("interview_chunk_sess_%d.raw", 2) {
				return true
			}
		}
		return false
	}, "chunk 2 uploaded after chunk 1 gave up")
}
