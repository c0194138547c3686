package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EchoClient answers without a provider. It is the development default
// when no API key is configured.
type EchoClient struct {
	// Delay is slept between streamed tokens.
	Delay time.Duration
}

// NewEchoClient creates an echo client.
func NewEchoClient() *EchoClient {
	return &EchoClient{Delay: 40 * time.Millisecond}
}

// Name returns the provider name.
func (c *EchoClient) Name() string {
	return string(ProviderEcho)
}

func (c *EchoClient) answer(req *CompletionRequest) string {
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	return fmt.Sprintf("You asked: %q. No model provider is configured, so this is an echo.", last)
}

// Complete returns the echo answer.
func (c *EchoClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	text := c.answer(req)
	return &CompletionResponse{Content: text, Model: "echo", StopReason: "end_turn"}, nil
}

// CompleteStream streams the echo answer word by word.
func (c *EchoClient) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error) {
	text := c.answer(req)
	words := strings.SplitAfter(text, " ")

	for i, w := range words {
		if c.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.Delay):
			}
		}
		if err := callback(w, i); err != nil {
			return nil, err
		}
	}

	return &CompletionResponse{Content: text, Model: "echo", TokensOut: len(words), StopReason: "end_turn"}, nil
}
