package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/yminds/interview-core/internal/capture"
	"github.com/yminds/interview-core/internal/config"
	"github.com/yminds/interview-core/internal/devices"
	"github.com/yminds/interview-core/internal/httpserver"
	"github.com/yminds/interview-core/internal/rtc"
	"github.com/yminds/interview-core/internal/session"
	"github.com/yminds/interview-core/internal/storage"
	"github.com/yminds/interview-core/internal/synth"
	"github.com/yminds/interview-core/internal/transcribe"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	srv := httpserver.New(sessionFactory(cfg), cfg.ICEServersJSON)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}

// sessionFactory wires the full interview pipeline for each connected peer:
// device probe, screen capture, synthesis queue, transcription client and
// the conversation controller.
func sessionFactory(cfg config.Config) httpserver.SessionFactory {
	return func(peer *rtc.Peer) (httpserver.Session, error) {
		interviewID := uuid.NewString()
		dir := rtc.NewStreamDirectory(peer)

		prefs, err := devices.LoadPrefs(cfg.PrefsPath)
		if err != nil {
			log.Printf("[%s] device prefs unavailable: %v", interviewID, err)
		}
		probe := devices.NewProbe(rtc.NewDeviceEnumerator(dir), prefs, cfg.MicThresholds, nil)

		var synthesizer synth.Synthesizer
		if cfg.ElevenLabsKey != "" {
			synthesizer = synth.NewElevenLabsSynthesizer(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
		} else {
			synthesizer = synth.NewDeepgramSynthesizer(cfg.DeepgramAPIKey, cfg.DeepgramModel)
		}

		uploader := buildUploader(cfg, interviewID)
		var registrar capture.Registrar
		if cfg.ReportBaseURL != "" {
			registrar = storage.NewReportClient(cfg.ReportBaseURL)
		}
		encoder, err := capture.NewOpusEncoder(48000)
		if err != nil {
			return nil, err
		}
		recorder := capture.New(dir, encoder, uploader, registrar, interviewID, interviewID, cfg.ChunkInterval)
		if prefs != nil {
			recorder.OnSharingChange(func(active bool) {
				prefs.Set(devices.KeyIsScreenShare, strconv.FormatBool(active))
				if err := prefs.Save(); err != nil {
					log.Printf("[%s] persist sharing flag: %v", interviewID, err)
				}
			})
		}

		// a configured websocket endpoint takes over responder duty from
		// the chat completion API
		var channel session.Channel
		if cfg.ResponderWSURL != "" {
			dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			ws, werr := session.NewWSChannel(dialCtx, cfg.ResponderWSURL)
			cancel()
			if werr != nil {
				return nil, fmt.Errorf("dial responder: %w", werr)
			}
			channel = ws
		} else {
			channel = session.NewOpenAIChannel(cfg.OpenAIKey, cfg.ResponderModel)
		}
		stt := transcribe.NewWhisperSTT(cfg.OpenAIKey, "")

		var ctl *session.Controller
		queue := synth.NewQueue(synthesizer, peer.Writer(), synth.Callbacks{
			OnDrained: func() { ctl.HandleQueueDrained() },
		})
		answers := transcribe.NewClient(stt, dir,
			func() bool { return ctl.Answering() },
			func(text string) { ctl.HandleUserTurn(text) },
		)
		ctl = session.NewController(channel, queue, answers, recorder, probe.AllTestedOK, nil)

		go runInterview(interviewID, probe, recorder, ctl)
		return ctl, nil
	}
}

// runInterview performs the pre-interview device check, starts screen
// capture and then opens the conversation. Capture failures are logged but
// never block the interview itself.
func runInterview(interviewID string, probe *devices.Probe, recorder *capture.Recorder, ctl *session.Controller) {
	mics, err := probe.ListDevices(devices.KindMic)
	if err != nil || len(mics) == 0 {
		log.Printf("[%s] no microphone published: %v", interviewID, err)
		return
	}
	if err := probe.SelectDevice(devices.KindMic, mics[0].ID); err != nil {
		log.Printf("[%s] select microphone: %v", interviewID, err)
		return
	}
	q, err := probe.RunQualityTest(devices.KindMic)
	probe.StopSampling()
	if err != nil {
		log.Printf("[%s] microphone quality test: %v", interviewID, err)
		return
	}
	log.Printf("[%s] microphone quality: %s", interviewID, q)
	if q == devices.QualityLow {
		log.Printf("[%s] microphone unusable, interview not started", interviewID)
		return
	}

	if err := recorder.StartCapture(context.Background()); err != nil {
		log.Printf("[%s] screen capture unavailable: %v", interviewID, err)
	}

	if err := ctl.Start(context.Background()); err != nil {
		log.Printf("[%s] session start: %v", interviewID, err)
	}
}

// buildUploader prefers the presigned-URL flow and falls back to direct
// Supabase storage.
func buildUploader(cfg config.Config, interviewID string) storage.Uploader {
	if cfg.PresignBaseURL != "" {
		return storage.NewPresignUploader(cfg.PresignBaseURL, interviewID, "recordings")
	}
	if cfg.SupabaseURL != "" && cfg.SupabaseServiceKey != "" {
		sb, err := storage.NewSupabase(storage.SupabaseConfig{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseServiceKey,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			log.Printf("supabase storage unavailable: %v", err)
			return noopUploader{}
		}
		return sb
	}
	log.Printf("no storage configured, recording chunks are discarded")
	return noopUploader{}
}

type noopUploader struct{}

func (noopUploader) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	return "", nil
}
