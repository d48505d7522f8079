package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type sendRec struct {
	turnIndex  int
	utterance  string
	transcript []Turn
}

type fakeChannel struct {
	mu      sync.Mutex
	sends   []sendRec
	events  chan Event
	closes  int32
	sendErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan Event, 16)}
}

func (f *fakeChannel) Send(ctx context.Context, turnIndex int, transcript []Turn, utterance string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sends = append(f.sends, sendRec{turnIndex: turnIndex, utterance: utterance, transcript: transcript})
	return nil
}

func (f *fakeChannel) Events() <-chan Event { return f.events }

func (f *fakeChannel) Close() error {
	atomic.AddInt32(&f.closes, 1)
	return nil
}

func (f *fakeChannel) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeChannel) send(i int) sendRec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[i]
}

type fakeQueue struct {
	mu       sync.Mutex
	ingested []string
	flushes  int32
	resets   int32
	idle     int32
}

func (f *fakeQueue) Ingest(fragment string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingested = append(f.ingested, fragment)
}

func (f *fakeQueue) Flush()     { atomic.AddInt32(&f.flushes, 1) }
func (f *fakeQueue) Reset()     { atomic.AddInt32(&f.resets, 1) }
func (f *fakeQueue) Idle() bool { return atomic.LoadInt32(&f.idle) == 1 }

func (f *fakeQueue) ingestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ingested)
}

type fakeRecorder struct {
	begins   int32
	ends     int32
	beginErr error
	endErr   error
}

func (f *fakeRecorder) BeginRecording() error {
	if f.beginErr != nil {
		return f.beginErr
	}
	atomic.AddInt32(&f.begins, 1)
	return nil
}

func (f *fakeRecorder) EndRecording(ctx context.Context) error {
	atomic.AddInt32(&f.ends, 1)
	return f.endErr
}

type fakeCapture struct{ stops int32 }

func (f *fakeCapture) StopCapture() { atomic.AddInt32(&f.stops, 1) }

func ready() func() bool { return func() bool { return true } }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestStart_GatedOnDeviceTests(t *testing.T) {
	c := NewController(newFakeChannel(), &fakeQueue{}, &fakeRecorder{}, nil, func() bool { return false }, nil)
	if err := c.Start(context.Background()); err != ErrDevicesNotReady {
		t.Fatalf("expected ErrDevicesNotReady, got %v", err)
	}
	if c.Phase() != PhaseInitializing {
		t.Fatalf("phase after rejected start: %s", c.Phase())
	}
}

func TestStart_SendsGreetingForTurnZero(t *testing.T) {
	ch := newFakeChannel()
	c := NewController(ch, &fakeQueue{}, &fakeRecorder{}, nil, ready(), nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.EndSession()
	if c.Phase() != PhaseAISpeaking {
		t.Fatalf("phase after start: %s", c.Phase())
	}
	if ch.sendCount() != 1 {
		t.Fatalf("expected one send, got %d", ch.sendCount())
	}
	s := ch.send(0)
	if s.turnIndex != 0 || s.utterance == "" {
		t.Fatalf("turn 0 must carry the greeting, got index=%d utterance=%q", s.turnIndex, s.utterance)
	}
}

func TestTokens_AppendTranscriptAndFeedQueue(t *testing.T) {
	ch := newFakeChannel()
	q := &fakeQueue{}
	c := NewController(ch, q, &fakeRecorder{}, nil, ready(), nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.EndSession()

	ch.events <- Event{Type: EventToken, TurnIndex: 0, Text: "What is"}
	ch.events <- Event{Type: EventToken, TurnIndex: 0, Text: " a goroutine?"}
	waitFor(t, time.Second, func() bool { return q.ingestCount() == 2 }, "tokens ingested")

	tr := c.Transcript()
	if len(tr) != 1 || tr[0].Role != RoleAI || tr[0].Text != "What is a goroutine?" {
		t.Fatalf("transcript = %+v", tr)
	}
}

func TestStaleTurnEventsDropped(t *testing.T) {
	ch := newFakeChannel()
	q := &fakeQueue{}
	c := NewController(ch, q, &fakeRecorder{}, nil, ready(), nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.EndSession()

	ch.events <- Event{Type: EventToken, TurnIndex: 3, Text: "late token"}
	ch.events <- Event{Type: EventToken, TurnIndex: 0, Text: "current"}
	waitFor(t, time.Second, func() bool { return q.ingestCount() >= 1 }, "current token ingested")
	if q.ingestCount() != 1 {
		t.Fatalf("stale event was ingested: %v", q.ingested)
	}
}

func TestStructuredQuestionRoutedToSideChannel(t *testing.T) {
	ch := newFakeChannel()
	q := &fakeQueue{}
	var got atomic.Value
	c := NewController(ch, q, &fakeRecorder{}, nil, ready(), func(text string) { got.Store(text) })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.EndSession()

	ch.events <- Event{Type: EventStructuredQuestion, TurnIndex: 0, Text: "reverse a list"}
	waitFor(t, time.Second, func() bool { return got.Load() != nil }, "structured question delivered")
	if got.Load().(string) != "reverse a list" {
		t.Fatalf("structured question text = %v", got.Load())
	}
	if q.ingestCount() != 0 {
		t.Fatalf("structured question must not reach the speech queue")
	}
}

func TestAnsweringRequiresDoneAndDrain(t *testing.T) {
	ch := newFakeChannel()
	q := &fakeQueue{}
	rec := &fakeRecorder{}
	c := NewController(ch, q, rec, nil, ready(), nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.EndSession()

	// drain mid-response: responder has not finished, stay speaking
	c.HandleQueueDrained()
	if c.Phase() != PhaseAISpeaking {
		t.Fatalf("drain before done must not flip phase, got %s", c.Phase())
	}

	ch.events <- Event{Type: EventDone, TurnIndex: 0}
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&q.flushes) == 1 }, "queue flushed on done")
	if c.Phase() != PhaseAISpeaking {
		t.Fatalf("done with audio still queued must not flip phase, got %s", c.Phase())
	}

	c.HandleQueueDrained()
	if c.Phase() != PhaseUserAnswering {
		t.Fatalf("expected USER_ANSWERING, got %s", c.Phase())
	}
	if atomic.LoadInt32(&rec.begins) != 1 {
		t.Fatalf("recording must begin on entering the answering phase")
	}
	if !c.Answering() {
		t.Fatalf("Answering() must report true in USER_ANSWERING")
	}
}

func TestDoneWithIdleQueueEntersAnsweringImmediately(t *testing.T) {
	ch := newFakeChannel()
	q := &fakeQueue{idle: 1}
	rec := &fakeRecorder{}
	c := NewController(ch, q, rec, nil, ready(), nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.EndSession()

	ch.events <- Event{Type: EventDone, TurnIndex: 0}
	waitFor(t, time.Second, func() bool { return c.Phase() == PhaseUserAnswering }, "phase flip on done with idle queue")
	if atomic.LoadInt32(&rec.begins) != 1 {
		t.Fatalf("recording must begin once, got %d", rec.begins)
	}
}

func TestHandleUserTurn_AdvancesTurnIndex(t *testing.T) {
	ch := newFakeChannel()
	q := &fakeQueue{idle: 1}
	rec := &fakeRecorder{}
	c := NewController(ch, q, rec, nil, ready(), nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.EndSession()

	ch.events <- Event{Type: EventDone, TurnIndex: 0}
	waitFor(t, time.Second, func() bool { return c.Answering() }, "answering phase")

	c.HandleUserTurn("a goroutine is a lightweight thread")

	if c.TurnIndex() != 1 {
		t.Fatalf("turn index = %d, want 1", c.TurnIndex())
	}
	if c.Phase() != PhaseAISpeaking {
		t.Fatalf("phase after user turn: %s", c.Phase())
	}
	if ch.sendCount() != 2 {
		t.Fatalf("expected a second send, got %d", ch.sendCount())
	}
	s := ch.send(1)
	if s.turnIndex != 1 || s.utterance != "a goroutine is a lightweight thread" {
		t.Fatalf("second send = %+v", s)
	}
	tr := c.Transcript()
	if len(tr) != 3 || tr[1].Role != RoleUser {
		t.Fatalf("transcript after user turn = %+v", tr)
	}
}

func TestHandleUserTurn_UtteranceNotRepeatedInTranscript(t *testing.T) {
	ch := newFakeChannel()
	q := &fakeQueue{idle: 1}
	c := NewController(ch, q, &fakeRecorder{}, nil, ready(), nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.EndSession()

	ch.events <- Event{Type: EventToken, TurnIndex: 0, Text: "Tell me about channels."}
	ch.events <- Event{Type: EventDone, TurnIndex: 0}
	waitFor(t, time.Second, func() bool { return c.Answering() }, "answering phase")

	c.HandleUserTurn("channels synchronize goroutines")

	if ch.sendCount() != 2 {
		t.Fatalf("expected a second send, got %d", ch.sendCount())
	}
	s := ch.send(1)
	if s.utterance != "channels synchronize goroutines" {
		t.Fatalf("utterance = %q", s.utterance)
	}
	for _, turn := range s.transcript {
		if turn.Role == RoleUser && turn.Text == s.utterance {
			t.Fatalf("utterance %q also present as a transcript turn", s.utterance)
		}
	}
	if len(s.transcript) != 1 || s.transcript[0].Role != RoleAI {
		t.Fatalf("second send transcript = %+v", s.transcript)
	}
}

func TestFinishAnswer_FailureReArmsRecording(t *testing.T) {
	ch := newFakeChannel()
	q := &fakeQueue{idle: 1}
	rec := &fakeRecorder{endErr: errors.New("stt down")}
	c := NewController(ch, q, rec, nil, ready(), nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.EndSession()

	ch.events <- Event{Type: EventDone, TurnIndex: 0}
	waitFor(t, time.Second, func() bool { return c.Answering() }, "answering phase")

	if err := c.FinishAnswer(context.Background()); err == nil {
		t.Fatalf("expected submission failure to propagate")
	}
	if !c.Answering() {
		t.Fatalf("failed answer must keep the session answering, got %s", c.Phase())
	}
	if got := atomic.LoadInt32(&rec.begins); got != 2 {
		t.Fatalf("recording must re-arm after a failed submission, begins = %d", got)
	}

	rec.endErr = nil
	if err := c.FinishAnswer(context.Background()); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestEndSession_IdempotentAndSilencesCallbacks(t *testing.T) {
	ch := newFakeChannel()
	q := &fakeQueue{idle: 1}
	rec := &fakeRecorder{}
	capt := &fakeCapture{}
	c := NewController(ch, q, rec, capt, ready(), nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	c.EndSession()
	c.EndSession()

	if got := atomic.LoadInt32(&ch.closes); got != 1 {
		t.Fatalf("channel closed %d times", got)
	}
	if got := atomic.LoadInt32(&capt.stops); got != 1 {
		t.Fatalf("capture stopped %d times", got)
	}
	if got := atomic.LoadInt32(&q.resets); got != 1 {
		t.Fatalf("queue reset %d times", got)
	}
	if c.Phase() != PhaseEnded {
		t.Fatalf("phase after end: %s", c.Phase())
	}

	// late callbacks are no-ops
	c.HandleQueueDrained()
	c.HandleUserTurn("too late")
	if c.Phase() != PhaseEnded {
		t.Fatalf("ended session must stay ended, got %s", c.Phase())
	}
	if atomic.LoadInt32(&rec.begins) != 0 {
		t.Fatalf("recording started after session end")
	}
	if c.Answering() {
		t.Fatalf("Answering() must be false after end")
	}
}
