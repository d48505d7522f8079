package media

import "io"

// Mixer joins two PCM sources into one by sample-wise addition with
// saturation. It is the audio-graph join for combining system audio with the
// microphone: both inputs are preserved in the mixed output. When one source
// ends, the other passes through unchanged.
type Mixer struct {
	a, b       PCMSource
	aDone      bool
	bDone      bool
	sampleRate int

	// carry-over when the two inputs deliver unequal frame lengths
	aRem Frame
	bRem Frame
}

// NewMixer combines a and b. Both must share a sample rate.
func NewMixer(a, b PCMSource) *Mixer {
	return &Mixer{a: a, b: b, sampleRate: a.SampleRate()}
}

func (m *Mixer) SampleRate() int { return m.sampleRate }

// ReadFrame returns the next mixed frame; io.EOF once both inputs ended.
// Unequal frame lengths are handled by carrying the excess samples into the
// next read so nothing is dropped.
func (m *Mixer) ReadFrame() (Frame, error) {
	af, aerr := m.next(m.a, &m.aRem, &m.aDone)
	bf, berr := m.next(m.b, &m.bRem, &m.bDone)
	if aerr != nil && berr != nil {
		return nil, io.EOF
	}
	if aerr != nil {
		return bf, nil
	}
	if berr != nil {
		return af, nil
	}
	n := len(af)
	if len(bf) < n {
		n = len(bf)
	}
	if len(af) > n {
		m.aRem = af[n:]
	}
	if len(bf) > n {
		m.bRem = bf[n:]
	}
	out := make(Frame, n)
	for i := 0; i < n; i++ {
		s := int32(af[i]) + int32(bf[i])
		if s > 32767 {
			s = 32767
		}
		if s < -32768 {
			s = -32768
		}
		out[i] = int16(s)
	}
	return out, nil
}

func (m *Mixer) next(src PCMSource, rem *Frame, done *bool) (Frame, error) {
	if len(*rem) > 0 {
		f := *rem
		*rem = nil
		return f, nil
	}
	if *done {
		return nil, io.EOF
	}
	f, err := src.ReadFrame()
	if err != nil {
		*done = true
		return nil, err
	}
	return f, nil
}
