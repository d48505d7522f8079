package capture

import (
	"encoding/binary"
	"fmt"

	"github.com/hraban/opus"

	"github.com/yminds/interview-core/internal/media"
)

const opusFrameMs = 20

// OpusEncoder packs mono PCM into length-framed opus packets: each packet
// is a big-endian uint16 length followed by the packet bytes. Chunks cut
// mid-stream stay decodable because every packet boundary is explicit.
type OpusEncoder struct {
	enc          *opus.Encoder
	sampleRate   int
	frameSamples int
	pcm          media.Frame
	scratch      []byte
}

// NewOpusEncoder creates a VoIP-tuned mono encoder at the given rate.
func NewOpusEncoder(sampleRate int) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("capture: opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc:          enc,
		sampleRate:   sampleRate,
		frameSamples: sampleRate * opusFrameMs / 1000,
		scratch:      make([]byte, 4000),
	}, nil
}

// Encode buffers the frame and emits packets for every complete 20ms
// window.
func (e *OpusEncoder) Encode(frame media.Frame) ([]byte, error) {
	e.pcm = append(e.pcm, frame...)
	var out []byte
	for len(e.pcm) >= e.frameSamples {
		window := e.pcm[:e.frameSamples]
		n, err := e.enc.Encode(window, e.scratch)
		if err != nil {
			return nil, fmt.Errorf("capture: opus encode: %w", err)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(n))
		out = append(out, e.scratch[:n]...)
		e.pcm = e.pcm[e.frameSamples:]
	}
	return out, nil
}

// Flush zero-pads the tail to a full window and encodes it.
func (e *OpusEncoder) Flush() ([]byte, error) {
	if len(e.pcm) == 0 {
		return nil, nil
	}
	tail := make(media.Frame, e.frameSamples)
	copy(tail, e.pcm)
	e.pcm = nil
	n, err := e.enc.Encode(tail, e.scratch)
	if err != nil {
		return nil, fmt.Errorf("capture: opus flush: %w", err)
	}
	var out []byte
	out = binary.BigEndian.AppendUint16(out, uint16(n))
	out = append(out, e.scratch[:n]...)
	return out, nil
}

func (e *OpusEncoder) MimeType() string { return "audio/opus" }
func (e *OpusEncoder) FileExt() string  { return "opus" }
