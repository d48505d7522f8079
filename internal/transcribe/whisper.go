package transcribe

import (
	"bytes"
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// WhisperSTT submits clips to the OpenAI transcription endpoint.
type WhisperSTT struct {
	client *openai.Client
	model  string
}

// NewWhisperSTT constructs the client; model defaults to whisper-1.
func NewWhisperSTT(apiKey, model string) *WhisperSTT {
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperSTT{client: openai.NewClient(apiKey), model: model}
}

// Transcribe submits the clip once and returns the recognized text.
func (w *WhisperSTT) Transcribe(ctx context.Context, clip []byte, mimeType string) (string, error) {
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: "answer.wav",
		Reader:   bytes.NewReader(clip),
	})
	if err != nil {
		return "", fmt.Errorf("transcribe: whisper request: %w", err)
	}
	return resp.Text, nil
}
