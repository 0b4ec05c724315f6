package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	ctxpkg "github.com/stupiduntilnot/chatstream/internal/context"
	"github.com/stupiduntilnot/chatstream/internal/relay"
)

// chatClient talks to a running chatstream server.
type chatClient struct {
	baseURL   string
	sessionID string
	model     string
	http      *http.Client
}

func newChatClient(baseURL, sessionID, model string) *chatClient {
	return &chatClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		sessionID: sessionID,
		model:     model,
		http:      &http.Client{},
	}
}

func (c *chatClient) endpoint(path string) string {
	u := c.baseURL + "/api/chat" + path
	if c.sessionID != "" {
		u += "?session_id=" + url.QueryEscape(c.sessionID)
	}
	return u
}

// Stream sends message and calls onEvent for every event until the terminal
// one, which is also returned.
func (c *chatClient) Stream(ctx context.Context, message string, onEvent func(relay.Event)) (relay.Event, error) {
	body, err := json.Marshal(map[string]string{
		"message":    message,
		"model_name": c.model,
		"session_id": c.sessionID,
	})
	if err != nil {
		return relay.Event{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/stream", bytes.NewReader(body))
	if err != nil {
		return relay.Event{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return relay.Event{}, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return relay.Event{}, responseError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev relay.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return relay.Event{}, fmt.Errorf("invalid event %q: %w", data, err)
		}
		if onEvent != nil {
			onEvent(ev)
		}
		if ev.Done {
			return ev, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return relay.Event{}, fmt.Errorf("stream read failed: %w", err)
	}
	return relay.Event{}, fmt.Errorf("stream ended without a final event")
}

func (c *chatClient) Reset(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/reset"), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reset request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return nil
}

func (c *chatClient) History(ctx context.Context) ([]ctxpkg.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/history"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	var out struct {
		History []ctxpkg.Message `json:"history"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("invalid history response: %w", err)
	}
	return out.History, nil
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var detail struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &detail) == nil && detail.Detail != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, detail.Detail)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// deltaPrinter turns cumulative content into the newly added suffix.
type deltaPrinter struct {
	w    io.Writer
	seen string
}

func (p *deltaPrinter) Print(ev relay.Event) {
	if ev.Error {
		return
	}
	if strings.HasPrefix(ev.Content, p.seen) {
		fmt.Fprint(p.w, ev.Content[len(p.seen):])
	} else {
		fmt.Fprint(p.w, "\n"+ev.Content)
	}
	p.seen = ev.Content
}
