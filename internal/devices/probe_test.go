package devices

import (
	"errors"
	"math/rand"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yminds/interview-core/internal/config"
	"github.com/yminds/interview-core/internal/media"
)

func defaultThresholds() config.MicQualityThresholds {
	return config.MicQualityThresholds{MidHigh: 100, HighHigh: 50, MidOK: 40, LowNoise: 20}
}

type fakeEnumerator struct {
	devices []Device
	listErr error
	openErr error
	src     *media.BufferedPCM
}

func (f *fakeEnumerator) List(kind Kind) ([]Device, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []Device
	for _, d := range f.devices {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeEnumerator) OpenAudio(deviceID string) (media.PCMSource, func(), error) {
	if f.openErr != nil {
		return nil, nil, f.openErr
	}
	if f.src == nil {
		f.src = media.NewBufferedPCM(16000, 64)
	}
	return f.src, func() { f.src.Close() }, nil
}

func TestClassify_HighFromSyntheticBands(t *testing.T) {
	// mid=150, high=90, low=5 must classify HIGH
	if q := Classify(5, 150, 90, defaultThresholds()); q != QualityHigh {
		t.Fatalf("expected HIGH, got %s", q)
	}
}

func TestClassify_MediumAndLow(t *testing.T) {
	th := defaultThresholds()
	if q := Classify(5, 60, 10, th); q != QualityMedium {
		t.Fatalf("expected MEDIUM, got %s", q)
	}
	// noisy low band blocks MEDIUM
	if q := Classify(30, 60, 10, th); q != QualityLow {
		t.Fatalf("expected LOW with noisy low band, got %s", q)
	}
	if q := Classify(0, 10, 5, th); q != QualityLow {
		t.Fatalf("expected LOW, got %s", q)
	}
}

func TestListDevices_WrapsEnumerationError(t *testing.T) {
	enum := &fakeEnumerator{listErr: errors.New("denied")}
	p := NewProbe(enum, nil, defaultThresholds(), nil)
	_, err := p.ListDevices(KindMic)
	var ee *EnumerationError
	if !errors.As(err, &ee) {
		t.Fatalf("expected EnumerationError, got %v", err)
	}
}

func TestSelectDevice_SamplesAmplitude(t *testing.T) {
	enum := &fakeEnumerator{devices: []Device{{ID: "mic-1", Kind: KindMic}}}
	var levels int32
	p := NewProbe(enum, nil, defaultThresholds(), func(level float64) {
		if level < 0 || level > 1 {
			t.Errorf("level out of range: %v", level)
		}
		atomic.AddInt32(&levels, 1)
	})
	if err := p.SelectDevice(KindMic, "mic-1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	defer p.StopSampling()
	enum.src.Push(media.Frame{1000, -1000, 1000, -1000})
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) && atomic.LoadInt32(&levels) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if atomic.LoadInt32(&levels) == 0 {
		t.Fatalf("expected amplitude callbacks")
	}
}

func TestRunQualityTest_BroadbandSignalClassifiesHigh(t *testing.T) {
	enum := &fakeEnumerator{devices: []Device{{ID: "mic-1", Kind: KindMic}}}
	prefs, err := LoadPrefs(filepath.Join(t.TempDir(), "prefs.json"))
	if err != nil {
		t.Fatalf("prefs: %v", err)
	}
	p := NewProbe(enum, prefs, defaultThresholds(), nil)
	if err := p.SelectDevice(KindMic, "mic-1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	defer p.StopSampling()

	// feed deterministic broadband noise; energy lands in every band
	go func() {
		rng := rand.New(rand.NewSource(1))
		for i := 0; i < 40; i++ {
			f := make(media.Frame, 160)
			for j := range f {
				f[j] = int16(rng.Intn(32000) - 16000)
			}
			if enum.src != nil {
				_ = enum.src.Push(f)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	q, err := p.RunQualityTest(KindMic)
	if err != nil {
		t.Fatalf("quality test: %v", err)
	}
	if q != QualityHigh {
		t.Fatalf("expected HIGH for broadband signal, got %s", q)
	}
	sel, ok := p.Selection(KindMic)
	if !ok || !sel.TestedOK {
		t.Fatalf("expected tested selection, got %+v ok=%v", sel, ok)
	}
	if prefs.Get(KeySelectedMic) != "mic-1" || prefs.Get(KeyIsTested) != "true" {
		t.Fatalf("expected persisted selection")
	}
}

func TestRestore_FromPersistedPrefs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	prefs, _ := LoadPrefs(path)
	prefs.Set(KeySelectedMic, "mic-9")
	prefs.Set(KeyIsMicSelected, "true")
	prefs.Set(KeyIsTested, "true")
	if err := prefs.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := LoadPrefs(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	p := NewProbe(&fakeEnumerator{}, reloaded, defaultThresholds(), nil)
	sel, ok := p.Selection(KindMic)
	if !ok || sel.DeviceID != "mic-9" || !sel.TestedOK {
		t.Fatalf("expected restored tested selection, got %+v ok=%v", sel, ok)
	}
}

func TestAllTestedOK_GatesOnEverySelection(t *testing.T) {
	p := NewProbe(&fakeEnumerator{}, nil, defaultThresholds(), nil)
	if p.AllTestedOK() {
		t.Fatalf("expected false with no selections")
	}
	p.selections[KindCamera] = &Selection{Kind: KindCamera, DeviceID: "cam", TestedOK: true}
	p.selections[KindMic] = &Selection{Kind: KindMic, DeviceID: "mic"}
	if p.AllTestedOK() {
		t.Fatalf("expected false with untested mic")
	}
	p.selections[KindMic].TestedOK = true
	if !p.AllTestedOK() {
		t.Fatalf("expected true when all tested")
	}
}
