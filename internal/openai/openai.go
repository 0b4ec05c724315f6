package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	ctxpkg "github.com/stupiduntilnot/chatstream/internal/context"
	modelpkg "github.com/stupiduntilnot/chatstream/internal/model"
)

// Client streams chat completions from an OpenAI-compatible endpoint.
type Client struct {
	client *goopenai.Client
}

// NewClient creates an OpenAI client. baseURL may be empty for the default
// OpenAI URL. timeout bounds the HTTP connection, not the stream.
func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: timeout,
	}}
	return &Client{client: goopenai.NewClientWithConfig(cfg)}
}

// Stream opens a streaming chat completion.
func (c *Client) Stream(ctx context.Context, model string, messages []ctxpkg.Message) (modelpkg.Stream, error) {
	in := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		in = append(in, goopenai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	req := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: in,
		Stream:   true,
	}
	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai stream open failed: %w", err)
	}
	return &chatStream{stream: stream}, nil
}

type chatStream struct {
	stream *goopenai.ChatCompletionStream
}

// Recv skips frames that carry no content (role-only deltas, usage frames).
func (s *chatStream) Recv() (modelpkg.Chunk, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return modelpkg.Chunk{}, io.EOF
			}
			return modelpkg.Chunk{}, fmt.Errorf("openai stream failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if text := resp.Choices[0].Delta.Content; text != "" {
			return modelpkg.Chunk{Text: text}, nil
		}
	}
}

func (s *chatStream) Close() error {
	return s.stream.Close()
}
