package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// MicQualityThresholds hold the frequency-band cutoffs used by the device
// probe to classify microphone quality. The values mirror the tuning of the
// original product; they are configuration, not guaranteed-correct constants.
type MicQualityThresholds struct {
	MidHigh  float64 // mid-band average required for HIGH
	HighHigh float64 // high-band average required for HIGH
	MidOK    float64 // mid-band average required for MEDIUM
	LowNoise float64 // low-band average must stay below this for MEDIUM
}

// Config holds application configuration.
type Config struct {
	HTTPAddress    string
	ICEServersJSON string

	DeepgramAPIKey    string
	DeepgramModel     string
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	OpenAIKey         string
	ResponderModel    string
	ResponderWSURL    string

	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseBucket     string
	PresignBaseURL     string
	ReportBaseURL      string

	ChunkInterval time.Duration
	PrefsPath     string
	MicThresholds MicQualityThresholds
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it: %v", err)
	}

	addr := getEnv("HTTP_ADDRESS", ":8080")

	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	if deepgramKey == "" {
		log.Println("Warning: DEEPGRAM_API_KEY not set - speech synthesis will not work")
	}
	openAIKey := os.Getenv("OPENAI_API_KEY")
	if openAIKey == "" {
		log.Println("Warning: OPENAI_API_KEY not set - transcription and responder will not work")
	}
	supabaseURL := os.Getenv("SUPABASE_URL")
	supabaseKey := os.Getenv("SUPABASE_SERVICE_ROLE_KEY")
	if supabaseURL == "" || supabaseKey == "" {
		log.Println("Warning: Supabase not configured - recording uploads will not work")
	}

	cfg := Config{
		HTTPAddress:        addr,
		ICEServersJSON:     os.Getenv("ICE_SERVERS_JSON"),
		DeepgramAPIKey:     deepgramKey,
		DeepgramModel:      getEnv("DEEPGRAM_MODEL_ID", "aura-2-thalia-en"),
		ElevenLabsKey:      os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID:  os.Getenv("ELEVENLABS_VOICE_ID"),
		OpenAIKey:          openAIKey,
		ResponderModel:     getEnv("RESPONDER_MODEL_ID", "gpt-4o-mini"),
		ResponderWSURL:     os.Getenv("RESPONDER_WS_URL"),
		SupabaseURL:        supabaseURL,
		SupabaseServiceKey: supabaseKey,
		SupabaseBucket:     getEnv("SUPABASE_BUCKET", "interview-recordings"),
		PresignBaseURL:     os.Getenv("PRESIGN_BASE_URL"),
		ReportBaseURL:      os.Getenv("REPORT_BASE_URL"),
		ChunkInterval:      getEnvDuration("CHUNK_INTERVAL", 30*time.Second),
		PrefsPath:          getEnv("DEVICE_PREFS_PATH", "device_prefs.json"),
		MicThresholds: MicQualityThresholds{
			MidHigh:  getEnvFloat("MIC_MID_HIGH_THRESHOLD", 100),
			HighHigh: getEnvFloat("MIC_HIGH_THRESHOLD", 50),
			MidOK:    getEnvFloat("MIC_MID_OK_THRESHOLD", 40),
			LowNoise: getEnvFloat("MIC_LOW_NOISE_THRESHOLD", 20),
		},
	}

	log.Printf("config: HTTP_ADDRESS=%s", cfg.HTTPAddress)
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("Warning: invalid duration for %s, using default", key)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Printf("Warning: invalid number for %s, using default", key)
	}
	return defaultValue
}
