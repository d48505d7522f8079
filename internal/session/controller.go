package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// Phase is the single session state machine value. Exactly one phase holds
// at any instant; Controller is its only writer. ENDED is terminal.
type Phase string

const (
	PhaseInitializing  Phase = "INITIALIZING"
	PhaseAISpeaking    Phase = "AI_SPEAKING"
	PhaseUserAnswering Phase = "USER_ANSWERING"
	PhaseIdle          Phase = "IDLE"
	PhaseEnded         Phase = "ENDED"
)

// Role identifies who spoke a transcript turn.
type Role string

const (
	RoleAI   Role = "ai"
	RoleUser Role = "user"
)

// Turn is one transcript entry. The latest AI turn accumulates streamed
// tokens until the responder signals the turn is done.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Event types delivered by a responder channel.
const (
	EventToken              = "token"
	EventStructuredQuestion = "structured-question"
	EventDone               = "done"
)

// Event is one message from the responder, tagged with the turn it belongs
// to. Events carrying a stale TurnIndex are dropped by the controller.
type Event struct {
	Type      string `json:"type"`
	TurnIndex int    `json:"turnIndex"`
	Text      string `json:"text,omitempty"`
}

// Channel is the duplex connection to the remote responder.
type Channel interface {
	// Send submits the transcript so far plus the newest utterance for the
	// given turn.
	Send(ctx context.Context, turnIndex int, transcript []Turn, utterance string) error
	// Events delivers responder events until the channel closes.
	Events() <-chan Event
	Close() error
}

// Queue is the slice of the synthesis queue the controller drives.
type Queue interface {
	Ingest(fragment string)
	Flush()
	Idle() bool
	Reset()
}

// Recorder captures the user's spoken answer.
type Recorder interface {
	BeginRecording() error
	EndRecording(ctx context.Context) error
}

// Capture is the screen recorder teardown hook.
type Capture interface {
	StopCapture()
}

// ErrDevicesNotReady rejects Start before every required device passed its
// quality test.
var ErrDevicesNotReady = errors.New("session: devices have not passed their quality test")

const defaultGreeting = "Hello! Thanks for joining. Shall we begin the interview?"

// Controller orchestrates one interview conversation: it runs the phase
// machine, owns the transcript, relays responder tokens into the synthesis
// queue and flips to answering once playback drains.
type Controller struct {
	id           string
	channel      Channel
	queue        Queue
	recorder     Recorder
	capture      Capture
	devicesOK    func() bool
	onStructured func(text string)
	greeting     string

	mu           sync.Mutex
	phase        Phase
	alive        bool
	turnIndex    int
	transcript   []Turn
	responseDone bool
	pumpStop     chan struct{}
}

// NewController wires a session. capture and onStructured may be nil.
func NewController(ch Channel, q Queue, rec Recorder, capt Capture, devicesOK func() bool, onStructured func(string)) *Controller {
	return &Controller{
		id:           uuid.NewString(),
		channel:      ch,
		queue:        q,
		recorder:     rec,
		capture:      capt,
		devicesOK:    devicesOK,
		onStructured: onStructured,
		greeting:     defaultGreeting,
		phase:        PhaseInitializing,
	}
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id }

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Answering reports whether the session currently accepts a spoken answer.
// The transcription client reads phase through this; it never writes it.
func (c *Controller) Answering() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive && c.phase == PhaseUserAnswering
}

// Transcript returns a copy of the conversation so far.
func (c *Controller) Transcript() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// Start begins turn 0 with the greeting. It refuses to run until every
// selected device passed its quality test.
func (c *Controller) Start(ctx context.Context) error {
	if c.devicesOK != nil && !c.devicesOK() {
		return ErrDevicesNotReady
	}
	c.mu.Lock()
	if c.phase != PhaseInitializing {
		c.mu.Unlock()
		return fmt.Errorf("session: start while %s", c.phase)
	}
	c.alive = true
	c.pumpStop = make(chan struct{})
	stop := c.pumpStop
	c.mu.Unlock()

	go c.pump(stop)
	return c.startTurn(ctx, c.greeting)
}

// startTurn enters AI_SPEAKING for the current turn index and submits the
// transcript plus the newest utterance to the responder.
func (c *Controller) startTurn(ctx context.Context, utterance string) error {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return nil
	}
	c.phase = PhaseAISpeaking
	c.responseDone = false
	c.transcript = append(c.transcript, Turn{Role: RoleAI})
	n := c.turnIndex
	// the utterance rides separately; its user turn must not repeat in the
	// transcript snapshot
	end := len(c.transcript) - 1
	if end > 0 && c.transcript[end-1].Role == RoleUser && c.transcript[end-1].Text == utterance {
		end--
	}
	transcript := make([]Turn, end)
	copy(transcript, c.transcript[:end])
	c.mu.Unlock()

	if err := c.channel.Send(ctx, n, transcript, utterance); err != nil {
		log.Printf("session %s: send turn %d: %v", c.id, n, err)
		c.mu.Lock()
		if c.alive && c.phase == PhaseAISpeaking {
			c.phase = PhaseIdle
		}
		c.mu.Unlock()
		return fmt.Errorf("session: send turn %d: %w", n, err)
	}
	return nil
}

// pump demultiplexes responder events. Only events tagged with the current
// turn index are honored.
func (c *Controller) pump(stop chan struct{}) {
	events := c.channel.Events()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(ev)
		}
	}
}

func (c *Controller) handleEvent(ev Event) {
	c.mu.Lock()
	if !c.alive || ev.TurnIndex != c.turnIndex {
		c.mu.Unlock()
		return
	}
	switch ev.Type {
	case EventToken:
		if n := len(c.transcript); n > 0 && c.transcript[n-1].Role == RoleAI {
			c.transcript[n-1].Text += ev.Text
		}
		c.mu.Unlock()
		c.queue.Ingest(ev.Text)
	case EventStructuredQuestion:
		onStructured := c.onStructured
		c.mu.Unlock()
		if onStructured != nil {
			onStructured(ev.Text)
		}
	case EventDone:
		c.responseDone = true
		c.mu.Unlock()
		c.queue.Flush()
		// a short response may have fully played already, in which case
		// OnDrained has come and gone
		if c.queue.Idle() {
			c.enterAnswering()
		}
	default:
		c.mu.Unlock()
		log.Printf("session %s: unknown event type %q", c.id, ev.Type)
	}
}

// HandleQueueDrained is wired as the synthesis queue's OnDrained callback.
// The phase flips only once the responder turn is also complete; a drain
// between sentences of an in-flight response is ignored.
func (c *Controller) HandleQueueDrained() {
	c.mu.Lock()
	done := c.responseDone
	c.mu.Unlock()
	if done {
		c.enterAnswering()
	}
}

func (c *Controller) enterAnswering() {
	c.mu.Lock()
	if !c.alive || c.phase != PhaseAISpeaking {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseUserAnswering
	c.mu.Unlock()

	if err := c.recorder.BeginRecording(); err != nil {
		log.Printf("session %s: begin recording: %v", c.id, err)
		c.mu.Lock()
		if c.alive && c.phase == PhaseUserAnswering {
			c.phase = PhaseIdle
		}
		c.mu.Unlock()
	}
}

// FinishAnswer is invoked when the user signals their answer is complete.
// The resulting transcript arrives through HandleUserTurn. A failed
// submission re-arms the recorder so the user can answer again instead of
// leaving the session stuck without a live clip.
func (c *Controller) FinishAnswer(ctx context.Context) error {
	if !c.Answering() {
		return nil
	}
	err := c.recorder.EndRecording(ctx)
	if err == nil {
		return nil
	}
	log.Printf("session %s: end recording: %v", c.id, err)
	if c.Answering() {
		if rerr := c.recorder.BeginRecording(); rerr != nil {
			log.Printf("session %s: re-arm recording: %v", c.id, rerr)
		}
	}
	return err
}

// HandleUserTurn appends the transcribed answer, advances the turn index and
// starts the next responder turn.
func (c *Controller) HandleUserTurn(text string) {
	c.mu.Lock()
	if !c.alive || c.phase != PhaseUserAnswering {
		c.mu.Unlock()
		return
	}
	c.transcript = append(c.transcript, Turn{Role: RoleUser, Text: text})
	c.turnIndex++
	c.mu.Unlock()

	if err := c.startTurn(context.Background(), text); err != nil {
		log.Printf("session %s: next turn: %v", c.id, err)
	}
}

// TurnIndex returns the current turn counter.
func (c *Controller) TurnIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnIndex
}

// EndSession tears the session down: responder channel closed, screen
// capture stopped, synthesis queue reset, phase ENDED. Safe to call more
// than once; every late callback becomes a no-op.
func (c *Controller) EndSession() {
	c.mu.Lock()
	if !c.alive && c.phase == PhaseEnded {
		c.mu.Unlock()
		return
	}
	c.alive = false
	c.phase = PhaseEnded
	stop := c.pumpStop
	c.pumpStop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if err := c.channel.Close(); err != nil {
		log.Printf("session %s: close channel: %v", c.id, err)
	}
	if c.capture != nil {
		c.capture.StopCapture()
	}
	c.queue.Reset()
	log.Printf("session %s: ended", c.id)
}
