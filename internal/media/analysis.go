package media

import "math"

// Band boundaries for microphone quality analysis, in Hz. Roughly: rumble
// and mains hum below 300, voice fundamentals and formants through 3k,
// sibilance and consonant detail above.
const (
	lowBandMaxHz  = 300.0
	midBandMaxHz  = 3000.0
	highBandMaxHz = 8000.0
)

// BandEnergies computes the average spectral magnitude of the low, mid and
// high bands of a PCM window using Goertzel filters at evenly spaced probe
// frequencies. Magnitudes are scaled to a 0..255 range so the thresholds
// carry over from the original analyser-node tuning.
func BandEnergies(frame Frame, sampleRate int) (low, mid, high float64) {
	if len(frame) == 0 || sampleRate <= 0 {
		return 0, 0, 0
	}
	step := 100.0 // probe every 100 Hz
	nyquist := float64(sampleRate) / 2
	var lowSum, midSum, highSum float64
	var lowN, midN, highN int
	for hz := step; hz <= highBandMaxHz && hz < nyquist; hz += step {
		mag := goertzel(frame, sampleRate, hz)
		switch {
		case hz <= lowBandMaxHz:
			lowSum += mag
			lowN++
		case hz <= midBandMaxHz:
			midSum += mag
			midN++
		default:
			highSum += mag
			highN++
		}
	}
	if lowN > 0 {
		low = lowSum / float64(lowN)
	}
	if midN > 0 {
		mid = midSum / float64(midN)
	}
	if highN > 0 {
		high = highSum / float64(highN)
	}
	return low, mid, high
}

// Decibel range for the byte mapping, matching the analyser-node defaults
// the original tuning was done against.
const (
	minDecibels = -100.0
	maxDecibels = -30.0
)

// goertzel returns the magnitude of the frame at the target frequency mapped
// onto the 0..255 decibel scale of a browser analyser node, so the quality
// thresholds keep their original meaning.
func goertzel(frame Frame, sampleRate int, targetHz float64) float64 {
	n := len(frame)
	k := 0.5 + float64(n)*targetHz/float64(sampleRate)
	w := 2 * math.Pi * k / float64(n)
	coeff := 2 * math.Cos(w)
	var s0, s1, s2 float64
	for _, sample := range frame {
		s0 = float64(sample)/32768.0 + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	power := s1*s1 + s2*s2 - coeff*s1*s2
	if power <= 0 {
		return 0
	}
	mag := math.Sqrt(power) / float64(n) * 2
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	v := (db - minDecibels) / (maxDecibels - minDecibels) * 255
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	return v
}
