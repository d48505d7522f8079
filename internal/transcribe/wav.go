package transcribe

import (
	"encoding/binary"

	"github.com/yminds/interview-core/internal/media"
)

// EncodeWAV wraps mono PCM16 samples in a RIFF/WAVE container so the clip
// can be submitted to the transcription API as a regular audio file.
func EncodeWAV(frame media.Frame, sampleRate int) []byte {
	data := frame.Bytes()
	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8

	out := make([]byte, 0, 44+len(data))
	out = append(out, "RIFF"...)
	out = appendUint32(out, uint32(36+len(data)))
	out = append(out, "WAVE"...)
	out = append(out, "fmt "...)
	out = appendUint32(out, 16)
	out = appendUint16(out, 1) // PCM
	out = appendUint16(out, numChannels)
	out = appendUint32(out, uint32(sampleRate))
	out = appendUint32(out, uint32(byteRate))
	out = appendUint16(out, uint16(blockAlign))
	out = appendUint16(out, bitsPerSample)
	out = append(out, "data"...)
	out = appendUint32(out, uint32(len(data)))
	out = append(out, data...)
	return out
}

func appendUint32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendUint16(b []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(b, v)
}
