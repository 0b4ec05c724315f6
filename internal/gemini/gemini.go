package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ctxpkg "github.com/stupiduntilnot/chatstream/internal/context"
	modelpkg "github.com/stupiduntilnot/chatstream/internal/model"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// Client is a minimal Gemini streamGenerateContent client.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Gemini client. timeout bounds waiting for response
// headers; the body is streamed for as long as the request context allows.
func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: timeout,
		}},
	}
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("gemini error code=%d status=%s message=%s", e.Code, e.Status, e.Message)
}

// buildRequest maps system turns to systemInstruction parts and assistant
// turns to the "model" role.
func buildRequest(messages []ctxpkg.Message) generateRequest {
	var req generateRequest
	var system []part
	for _, m := range messages {
		switch m.Role {
		case ctxpkg.RoleSystem:
			if m.Content != "" {
				system = append(system, part{Text: m.Content})
			}
		case ctxpkg.RoleAssistant:
			req.Contents = append(req.Contents, content{Role: "model", Parts: []part{{Text: m.Content}}})
		default:
			req.Contents = append(req.Contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		req.SystemInstruction = &content{Parts: system}
	}
	return req
}

// Stream opens a streamGenerateContent request in SSE mode.
func (c *Client) Stream(ctx context.Context, model string, messages []ctxpkg.Message) (modelpkg.Stream, error) {
	payload, err := json.Marshal(buildRequest(messages))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gemini request: %w", err)
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gemini non-success status=%d body=%s", resp.StatusCode, truncate(string(body), 400))
	}
	return &stream{body: resp.Body, dec: newSSEDecoder(resp.Body)}, nil
}

type stream struct {
	body    io.ReadCloser
	dec     *sseDecoder
	pending []string
}

// Recv returns one chunk per non-empty text part.
func (s *stream) Recv() (modelpkg.Chunk, error) {
	for len(s.pending) == 0 {
		data, err := s.dec.Next()
		if err == io.EOF {
			return modelpkg.Chunk{}, io.EOF
		}
		if err != nil {
			return modelpkg.Chunk{}, fmt.Errorf("gemini stream read failed: %w", err)
		}
		var parsed generateResponse
		if err := json.Unmarshal(data, &parsed); err != nil {
			return modelpkg.Chunk{}, fmt.Errorf("failed to parse gemini event: %s", truncate(string(data), 400))
		}
		if parsed.Error != nil {
			return modelpkg.Chunk{}, parsed.Error
		}
		if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
			return modelpkg.Chunk{}, fmt.Errorf("gemini blocked prompt reason=%s", parsed.PromptFeedback.BlockReason)
		}
		if len(parsed.Candidates) == 0 {
			continue
		}
		for _, p := range parsed.Candidates[0].Content.Parts {
			if p.Text != "" {
				s.pending = append(s.pending, p.Text)
			}
		}
	}
	text := s.pending[0]
	s.pending = s.pending[1:]
	return modelpkg.Chunk{Text: text}, nil
}

func (s *stream) Close() error {
	return s.body.Close()
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
