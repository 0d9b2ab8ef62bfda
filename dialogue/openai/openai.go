// Package openai implements the dialogue completer port against the
// OpenAI chat completion API.
package openai

import (
	"context"
	"errors"
	"fmt"

	gopenai "github.com/sashabaranov/go-openai"

	"github.com/axiomvoice/axiom/model"
)

// DefaultModel is small and fast enough for live phone turns.
const DefaultModel = gopenai.GPT4oMini

// Client adapts the OpenAI chat API to the dialogue.Completer port.
type Client struct {
	api   *gopenai.Client
	model string
}

// Option configures the client.
type Option func(*Client)

// WithModel overrides the completion model.
func WithModel(m string) Option {
	return func(c *Client) { c.model = m }
}

// New creates a completer backed by the OpenAI API.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	c := &Client{
		api:   gopenai.NewClient(apiKey),
		model: DefaultModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Complete sends the system instruction and turn history as a chat
// completion request and returns the model's reply text.
func (c *Client) Complete(ctx context.Context, system string, history []model.Turn) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, gopenai.ChatCompletionRequest{
		Model:    c.model,
		Messages: buildMessages(system, history),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", errors.New("chat completion returned no content")
	}
	return resp.Choices[0].Message.Content, nil
}

// buildMessages maps the system instruction and turn history onto chat
// roles: callers speak as the user, the assistant as itself.
func buildMessages(system string, history []model.Turn) []gopenai.ChatCompletionMessage {
	messages := make([]gopenai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(messages, gopenai.ChatCompletionMessage{
		Role:    gopenai.ChatMessageRoleSystem,
		Content: system,
	})
	for _, turn := range history {
		role := gopenai.ChatMessageRoleUser
		if turn.Speaker == model.SpeakerAssistant {
			role = gopenai.ChatMessageRoleAssistant
		}
		messages = append(messages, gopenai.ChatCompletionMessage{
			Role:    role,
			Content: turn.Text,
		})
	}
	return messages
}
