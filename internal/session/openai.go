package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

const interviewerPrompt = "You are a professional technical interviewer. " +
	"Ask one question at a time, keep responses short and conversational, " +
	"and build on the candidate's previous answers."

// OpenAIChannel streams responder turns from the chat completion API. Each
// Send opens one streaming request; deltas arrive as token events tagged
// with the turn index and a done event closes the turn.
type OpenAIChannel struct {
	client *openai.Client
	model  string
	events chan Event

	closeOnce sync.Once
	done      chan struct{}
}

// NewOpenAIChannel builds a channel for the given model.
func NewOpenAIChannel(apiKey, model string) *OpenAIChannel {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIChannel{
		client: openai.NewClient(apiKey),
		model:  model,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

// Send starts the streaming completion for one turn. Transcript roles map
// onto chat roles; the newest utterance rides as the final user message.
func (c *OpenAIChannel) Send(ctx context.Context, turnIndex int, transcript []Turn, utterance string) error {
	msgs := make([]openai.ChatCompletionMessage, 0, len(transcript)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: interviewerPrompt,
	})
	for _, t := range transcript {
		role := openai.ChatMessageRoleUser
		if t.Role == RoleAI {
			role = openai.ChatMessageRoleAssistant
		}
		if t.Text == "" {
			continue
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Text})
	}
	if utterance != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: utterance})
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		return err
	}

	go func() {
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Printf("responder stream turn %d: %v", turnIndex, err)
				}
				c.emit(Event{Type: EventDone, TurnIndex: turnIndex})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if delta := resp.Choices[0].Delta.Content; delta != "" {
				c.emit(Event{Type: EventToken, TurnIndex: turnIndex, Text: delta})
			}
		}
	}()
	return nil
}

// emit delivers an event unless the channel has been closed.
func (c *OpenAIChannel) emit(ev Event) {
	select {
	case <-c.done:
	case c.events <- ev:
	}
}

// Events returns the responder event stream.
func (c *OpenAIChannel) Events() <-chan Event { return c.events }

// Close stops event delivery. In-flight streams drain into the void.
func (c *OpenAIChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
