package devices

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/yminds/interview-core/internal/config"
	"github.com/yminds/interview-core/internal/media"
)

// Kind identifies a capture device class.
type Kind string

const (
	KindMic    Kind = "mic"
	KindCamera Kind = "camera"
)

// Quality is the microphone classification result.
type Quality string

const (
	QualityLow    Quality = "LOW"
	QualityMedium Quality = "MEDIUM"
	QualityHigh   Quality = "HIGH"
)

// Device describes one enumerated capture device.
type Device struct {
	ID    string
	Label string
	Kind  Kind
}

// Selection records the chosen device for a kind and whether it passed the
// quality test. Session start is gated on TestedOK for every selection.
type Selection struct {
	Kind     Kind
	DeviceID string
	TestedOK bool
}

// EnumerationError reports that the platform denied device-list access.
// It is surfaced to the caller, never retried automatically.
type EnumerationError struct {
	Kind Kind
	Err  error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("devices: enumeration failed for %s: %v", e.Kind, e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }

// Enumerator abstracts the platform device layer. The rtc gateway provides
// the production implementation backed by client-reported devices.
type Enumerator interface {
	List(kind Kind) ([]Device, error)
	// OpenAudio opens the microphone with the given ID and returns its PCM
	// source plus a release func.
	OpenAudio(deviceID string) (media.PCMSource, func(), error)
}

// Probe enumerates and tests capture devices and exposes a live input level
// while a microphone is selected.
type Probe struct {
	enum       Enumerator
	prefs      *Prefs
	thresholds config.MicQualityThresholds
	onLevel    func(float64)

	mu         sync.Mutex
	selections map[Kind]*Selection

	// sampling state, owned by the sampler goroutine once started
	sampleStop    chan struct{}
	sampleRelease func()
	window        media.Frame
	windowRate    int
}

// windowSamples bounds the rolling analysis window to roughly half a second
// at 16kHz.
const windowSamples = 8000

// NewProbe constructs a probe. onLevel may be nil; when set it receives a
// normalized 0..1 amplitude for every microphone frame sampled.
func NewProbe(enum Enumerator, prefs *Prefs, th config.MicQualityThresholds, onLevel func(float64)) *Probe {
	p := &Probe{
		enum:       enum,
		prefs:      prefs,
		thresholds: th,
		onLevel:    onLevel,
		selections: make(map[Kind]*Selection),
	}
	p.restore()
	return p
}

// restore reloads a previously persisted microphone selection so a restart
// does not require re-selection.
func (p *Probe) restore() {
	if p.prefs == nil {
		return
	}
	if id := p.prefs.Get(KeySelectedMic); id != "" && p.prefs.Get(KeyIsMicSelected) == "true" {
		p.selections[KindMic] = &Selection{
			Kind:     KindMic,
			DeviceID: id,
			TestedOK: p.prefs.Get(KeyIsTested) == "true",
		}
	}
}

// ListDevices returns a fresh snapshot of available devices of the kind.
func (p *Probe) ListDevices(kind Kind) ([]Device, error) {
	devs, err := p.enum.List(kind)
	if err != nil {
		return nil, &EnumerationError{Kind: kind, Err: err}
	}
	return devs, nil
}

// SelectDevice stores the choice. For a microphone it also begins sampling
// input amplitude continuously until StopSampling. It does not block.
func (p *Probe) SelectDevice(kind Kind, deviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selections[kind] = &Selection{Kind: kind, DeviceID: deviceID}
	if kind != KindMic {
		return nil
	}
	p.stopSamplingLocked()
	src, release, err := p.enum.OpenAudio(deviceID)
	if err != nil {
		return &EnumerationError{Kind: kind, Err: err}
	}
	stop := make(chan struct{})
	p.sampleStop = stop
	p.sampleRelease = release
	p.window = nil
	p.windowRate = src.SampleRate()
	go p.sample(src, stop)
	return nil
}

// sample consumes mic frames, emits the live level and maintains the rolling
// analysis window for quality tests.
func (p *Probe) sample(src media.PCMSource, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		f, err := src.ReadFrame()
		if err != nil {
			if err != io.EOF {
				log.Printf("devices: mic sample read error: %v", err)
			}
			return
		}
		if p.onLevel != nil {
			p.onLevel(f.Amplitude())
		}
		p.mu.Lock()
		p.window = append(p.window, f...)
		if len(p.window) > windowSamples {
			p.window = p.window[len(p.window)-windowSamples:]
		}
		p.mu.Unlock()
	}
}

// StopSampling halts amplitude sampling and releases the microphone.
func (p *Probe) StopSampling() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopSamplingLocked()
}

func (p *Probe) stopSamplingLocked() {
	if p.sampleStop != nil {
		close(p.sampleStop)
		p.sampleStop = nil
	}
	if p.sampleRelease != nil {
		p.sampleRelease()
		p.sampleRelease = nil
	}
}

// RunQualityTest classifies the selected device. For a microphone it samples
// frequency-band energy over a short window; only MEDIUM or HIGH marks the
// selection as tested, and a passing selection is persisted.
func (p *Probe) RunQualityTest(kind Kind) (Quality, error) {
	p.mu.Lock()
	sel := p.selections[kind]
	p.mu.Unlock()
	if sel == nil {
		return QualityLow, fmt.Errorf("devices: no %s selected", kind)
	}
	if kind == KindCamera {
		// no spectral test for cameras; a selectable device counts as tested
		p.mu.Lock()
		sel.TestedOK = true
		p.mu.Unlock()
		return QualityHigh, nil
	}

	frame, rate, err := p.waitForWindow(2 * time.Second)
	if err != nil {
		return QualityLow, err
	}
	low, mid, high := media.BandEnergies(frame, rate)
	q := Classify(low, mid, high, p.thresholds)
	if q == QualityMedium || q == QualityHigh {
		p.mu.Lock()
		sel.TestedOK = true
		p.mu.Unlock()
		p.persist(sel)
	}
	return q, nil
}

// waitForWindow blocks until the sampler has accumulated enough audio.
func (p *Probe) waitForWindow(timeout time.Duration) (media.Frame, int, error) {
	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		if len(p.window) >= windowSamples/2 {
			snapshot := make(media.Frame, len(p.window))
			copy(snapshot, p.window)
			rate := p.windowRate
			p.mu.Unlock()
			return snapshot, rate, nil
		}
		sampling := p.sampleStop != nil
		p.mu.Unlock()
		if !sampling {
			return nil, 0, fmt.Errorf("devices: microphone sampling not active")
		}
		if time.Now().After(deadline) {
			return nil, 0, fmt.Errorf("devices: timed out waiting for microphone audio")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (p *Probe) persist(sel *Selection) {
	if p.prefs == nil {
		return
	}
	p.prefs.Set(KeySelectedMic, sel.DeviceID)
	p.prefs.Set(KeyIsMicSelected, "true")
	p.prefs.Set(KeyIsTested, "true")
	if err := p.prefs.Save(); err != nil {
		log.Printf("devices: persist selection: %v", err)
	}
}

// Selection returns a copy of the stored selection for the kind, if any.
func (p *Probe) Selection(kind Kind) (Selection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sel := p.selections[kind]
	if sel == nil {
		return Selection{}, false
	}
	return *sel, true
}

// AllTestedOK reports whether every stored selection passed its test.
// The session controller gates start on this.
func (p *Probe) AllTestedOK() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.selections) == 0 {
		return false
	}
	for _, sel := range p.selections {
		if !sel.TestedOK {
			return false
		}
	}
	return true
}

// Classify applies the band-energy rule: mid and high both above their
// thresholds is HIGH; mid above the lower threshold with a quiet low band is
// MEDIUM; anything else is LOW.
func Classify(low, mid, high float64, th config.MicQualityThresholds) Quality {
	if mid > th.MidHigh && high > th.HighHigh {
		return QualityHigh
	}
	if mid > th.MidOK && low < th.LowNoise {
		return QualityMedium
	}
	return QualityLow
}
