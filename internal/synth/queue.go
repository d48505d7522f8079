package synth

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
)

// Synthesizer turns one sentence of text into a playable audio payload.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Player renders an audio payload, invoking onAmplitude with a normalized
// 0..1 level at its natural update cadence, and returns once playback
// finished or the context was cancelled.
type Player interface {
	Play(ctx context.Context, audio []byte, onAmplitude func(float64)) error
}

// SentenceUnit is one extracted sentence with its playback position.
type SentenceUnit struct {
	Index int
	Text  string
}

// Callbacks are the queue's outward notifications. All fields are optional.
type Callbacks struct {
	// OnSentence fires synchronously from Ingest for every extracted
	// sentence, before its synthesis resolves, so the transcript can show
	// the text immediately.
	OnSentence func(SentenceUnit)
	// OnAmplitude receives the live playback level; 0 between sentences and
	// at the end of the queue.
	OnAmplitude func(float64)
	// OnDrained fires after the last enqueued sentence finishes playing and
	// no more text is pending. Not terminal: later Ingest calls resume the
	// queue.
	OnDrained func()
}

const synthesisTimeout = 20 * time.Second

// Queue converts an incrementally-arriving text stream into gapless
// sequential audio. Sentences are synthesized out-of-band and may complete
// in any order; playback is gated strictly on sequence index.
type Queue struct {
	synth  Synthesizer
	player Player
	cb     Callbacks

	mu         sync.Mutex
	buf        string
	nextSeq    int            // next sequence index to assign
	nextPlay   int            // next sequence index allowed to play
	pending    map[int][]byte // synthesized audio waiting its turn
	playing    bool
	epoch      int // bumped by Reset so stale async work is dropped
	cancelPlay context.CancelFunc
}

// NewQueue builds a queue over the given synthesizer and player.
func NewQueue(s Synthesizer, p Player, cb Callbacks) *Queue {
	return &Queue{synth: s, player: p, cb: cb, pending: make(map[int][]byte)}
}

// Ingest appends a text fragment, extracts any completed sentences and
// requests synthesis for each. OnSentence fires synchronously per sentence.
func (q *Queue) Ingest(fragment string) {
	q.mu.Lock()
	q.buf += fragment
	sentences, rest := extractSentences(q.buf)
	q.buf = rest
	type job struct {
		idx   int
		text  string
		epoch int
	}
	jobs := make([]job, 0, len(sentences))
	for _, s := range sentences {
		jobs = append(jobs, job{idx: q.nextSeq, text: s, epoch: q.epoch})
		q.nextSeq++
	}
	q.mu.Unlock()

	for _, j := range jobs {
		if q.cb.OnSentence != nil {
			q.cb.OnSentence(SentenceUnit{Index: j.idx, Text: j.text})
		}
	}
	for _, j := range jobs {
		go q.synthesize(j.idx, j.text, j.epoch)
	}
}

// Flush promotes any unterminated buffered text to a final sentence. The
// session controller calls this when a responder turn ends without terminal
// punctuation, so the drain signal is never withheld by a dangling fragment.
func (q *Queue) Flush() {
	q.mu.Lock()
	text := strings.TrimSpace(q.buf)
	q.buf = ""
	if text == "" {
		q.mu.Unlock()
		return
	}
	idx := q.nextSeq
	q.nextSeq++
	epoch := q.epoch
	q.mu.Unlock()

	if q.cb.OnSentence != nil {
		q.cb.OnSentence(SentenceUnit{Index: idx, Text: text})
	}
	go q.synthesize(idx, text, epoch)
}

// Idle reports whether nothing is buffered, pending or playing. The session
// controller consults it when a responder turn ends, since a fully-played
// queue will not fire OnDrained again.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf == "" && !q.playing && q.nextPlay == q.nextSeq
}

// synthesize requests audio for one sentence and delivers the result. A
// failure is logged and delivered as an empty payload so the playback gate
// never stalls waiting for this index.
func (q *Queue) synthesize(idx int, text string, epoch int) {
	ctx, cancel := context.WithTimeout(context.Background(), synthesisTimeout)
	defer cancel()
	audio, err := q.synth.Synthesize(ctx, text)
	if err != nil {
		log.Printf("synth: sentence %d synthesis failed: %v", idx, err)
		audio = nil
	}
	q.deliver(idx, audio, epoch)
}

// deliver buffers a completed synthesis result and starts the playback
// driver when the result unblocks the head of the queue.
func (q *Queue) deliver(idx int, audio []byte, epoch int) {
	q.mu.Lock()
	if epoch != q.epoch {
		q.mu.Unlock()
		return
	}
	q.pending[idx] = audio
	start := !q.playing && idx == q.nextPlay
	if start {
		q.playing = true
	}
	q.mu.Unlock()
	if start {
		go q.playLoop(epoch)
	}
}

// playLoop plays consecutive indices for as long as the next one has
// arrived. Results for later indices are never played early. When the loop
// stops with nothing assigned left, the queue is drained.
func (q *Queue) playLoop(epoch int) {
	for {
		q.mu.Lock()
		if epoch != q.epoch {
			q.mu.Unlock()
			return
		}
		audio, ok := q.pending[q.nextPlay]
		if !ok {
			q.playing = false
			drained := q.nextPlay == q.nextSeq && q.buf == ""
			q.mu.Unlock()
			if drained && q.cb.OnDrained != nil {
				q.cb.OnDrained()
			}
			return
		}
		delete(q.pending, q.nextPlay)
		ctx, cancel := context.WithCancel(context.Background())
		q.cancelPlay = cancel
		q.mu.Unlock()

		if len(audio) > 0 {
			if err := q.player.Play(ctx, audio, q.cb.OnAmplitude); err != nil {
				log.Printf("synth: playback error: %v", err)
			}
		}
		cancel()
		if q.cb.OnAmplitude != nil {
			q.cb.OnAmplitude(0)
		}

		q.mu.Lock()
		if epoch != q.epoch {
			q.mu.Unlock()
			return
		}
		q.nextPlay++
		q.cancelPlay = nil
		q.mu.Unlock()
	}
}

// Reset clears all buffered text and pending audio, stops any current
// playback and rewinds the counters. Safe to call from any state; in-flight
// async work becomes a no-op.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.epoch++
	cancel := q.cancelPlay
	q.cancelPlay = nil
	q.buf = ""
	q.pending = make(map[int][]byte)
	q.nextSeq = 0
	q.nextPlay = 0
	q.playing = false
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if q.cb.OnAmplitude != nil {
		q.cb.OnAmplitude(0)
	}
}

// extractSentences splits completed sentences off the front of buf,
// returning them and the unterminated remainder. A sentence ends at '.',
// '!' or '?', retaining the punctuation.
func extractSentences(buf string) ([]string, string) {
	var sentences []string
	var b strings.Builder
	for _, r := range buf {
		b.WriteRune(r)
		switch r {
		case '.', '!', '?':
			s := strings.TrimSpace(b.String())
			if s != "" && s != "." && s != "!" && s != "?" {
				sentences = append(sentences, s)
			}
			b.Reset()
		}
	}
	return sentences, b.String()
}
