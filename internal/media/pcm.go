package media

import (
	"encoding/binary"
	"math"
)

// Frame is a mono PCM16 sample buffer. Sources deliver frames of arbitrary
// length; downstream code must not assume a fixed frame size.
type Frame []int16

// FrameFromBytes decodes little-endian PCM16 bytes into a Frame.
func FrameFromBytes(pcm []byte) Frame {
	n := len(pcm) / 2
	out := make(Frame, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return out
}

// Bytes encodes the frame as little-endian PCM16.
func (f Frame) Bytes() []byte {
	out := make([]byte, len(f)*2)
	for i, s := range f {
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(s))
	}
	return out
}

// RMS returns the root-mean-square energy of the frame.
func (f Frame) RMS() float64 {
	if len(f) == 0 {
		return 0
	}
	var sum float64
	for _, s := range f {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(f)))
}

// Amplitude returns a normalized 0..1 level derived from frame energy.
func (f Frame) Amplitude() float64 {
	a := f.RMS() / 32768.0
	if a > 1 {
		a = 1
	}
	return a
}
