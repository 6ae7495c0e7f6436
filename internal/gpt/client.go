// internal/gpt/client.go
package gpt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
)

var ErrNotConfigured = errors.New("OpenAI API key is not configured")

type Client struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

func NewClient(apiKey string) *Client {
	if apiKey == "" {
		return &Client{model: openai.GPT4o}
	}
	return &Client{
		client:      openai.NewClient(apiKey),
		model:       openai.GPT4o,
		temperature: 0.7,
	}
}

// NewClientWithBaseURL points the client at an OpenAI-compatible endpoint.
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	if apiKey == "" || baseURL == "" {
		return NewClient(apiKey)
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	c := NewClient(apiKey)
	c.client = openai.NewClientWithConfig(cfg)
	return c
}

func (c *Client) WithModel(model string) *Client {
	if model != "" {
		c.model = model
	}
	return c
}

func (c *Client) WithMaxTokens(n int) *Client {
	c.maxTokens = n
	return c
}

func (c *Client) WithTemperature(t float32) *Client {
	c.temperature = t
	return c
}

func (c *Client) Configured() bool {
	return c != nil && c.client != nil
}

func (c *Client) request(system, user string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Stream:      true,
	}
}

// StreamChat opens a streaming completion and calls onDelta for every non-empty
// content delta, in order. An error from onDelta stops the stream and is returned.
func (c *Client) StreamChat(ctx context.Context, system, user string, onDelta func(string) error) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, c.request(system, user))
	if err != nil {
		return fmt.Errorf("open completion stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read completion stream: %w", err)
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := onDelta(choice.Delta.Content); err != nil {
				return err
			}
		}
	}
}

// Complete streams a completion and returns the concatenated text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	var sb strings.Builder
	err := c.StreamChat(ctx, system, user, func(delta string) error {
		sb.WriteString(delta)
		return nil
	})
	if err != nil {
		return "", err
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("no response from GPT API")
	}
	return sb.String(), nil
}
