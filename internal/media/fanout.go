package media

import (
	"io"
	"log"
	"sync"
)

// Fanout duplicates one PCM source to any number of subscribers. The device
// probe, the transcription client and the capture mixer all read the same
// microphone track through their own subscriptions.
type Fanout struct {
	src PCMSource

	mu      sync.Mutex
	subs    []*BufferedPCM
	started bool
	closed  bool
}

// NewFanout wraps the source. The pump starts on the first subscription.
func NewFanout(src PCMSource) *Fanout {
	return &Fanout{src: src}
}

// Subscribe returns an independent source mirroring the input. Closing the
// returned source detaches it.
func (f *Fanout) Subscribe(depth int) *BufferedPCM {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := NewBufferedPCM(f.src.SampleRate(), depth)
	if f.closed {
		sub.Close()
		return sub
	}
	f.subs = append(f.subs, sub)
	if !f.started {
		f.started = true
		go f.pump()
	}
	return sub
}

func (f *Fanout) pump() {
	for {
		frame, err := f.src.ReadFrame()
		if err != nil {
			if err != io.EOF {
				log.Printf("media: fanout source error: %v", err)
			}
			f.mu.Lock()
			f.closed = true
			subs := f.subs
			f.subs = nil
			f.mu.Unlock()
			for _, s := range subs {
				s.Close()
			}
			return
		}
		f.mu.Lock()
		live := f.subs[:0]
		for _, s := range f.subs {
			dup := make(Frame, len(frame))
			copy(dup, frame)
			if s.Push(dup) == nil {
				live = append(live, s)
			}
		}
		f.subs = live
		f.mu.Unlock()
	}
}
