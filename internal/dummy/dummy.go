package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	ctxpkg "github.com/stupiduntilnot/chatstream/internal/context"
	modelpkg "github.com/stupiduntilnot/chatstream/internal/model"
)

// Script syntax is a comma separated list of actions, replayed from the
// start for every stream:
//
//	ok              emit the chunk "dummy-ok"
//	chunk:<text>    emit <text>
//	chunkb64:<b64>  emit the base64-decoded bytes (may be invalid UTF-8)
//	sleep:<ms>      pause, honouring cancellation
//	err:<class>     fail the stream with an upstream error
//	open-err:<cls>  fail when the stream is opened (first action only)
type action struct {
	kind string
	arg  string
}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for i, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" {
			actions = append(actions, action{kind: "ok"})
			continue
		}
		kind, arg, found := strings.Cut(token, ":")
		if !found {
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
		switch kind {
		case "chunk", "err":
		case "sleep":
			if ms, err := strconv.Atoi(arg); err != nil || ms < 0 {
				return nil, fmt.Errorf("invalid dummy action: %s", token)
			}
		case "chunkb64":
			raw, err := base64.StdEncoding.DecodeString(arg)
			if err != nil {
				return nil, fmt.Errorf("dummy chunkb64 decode failed: %w", err)
			}
			kind, arg = "chunk", string(raw)
		case "open-err":
			if i != 0 {
				return nil, fmt.Errorf("open-err must be the first action: %s", token)
			}
		default:
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
		actions = append(actions, action{kind: kind, arg: arg})
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

// Provider is a scripted model provider for tests and local runs.
type Provider struct {
	mu      sync.Mutex
	model   string
	actions []action
	prompts [][]ctxpkg.Message
}

func NewProvider(model, script string) (*Provider, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &Provider{model: model, actions: actions}, nil
}

// Stream opens a replay of the script.
func (p *Provider) Stream(ctx context.Context, model string, messages []ctxpkg.Message) (modelpkg.Stream, error) {
	p.mu.Lock()
	prompt := make([]ctxpkg.Message, len(messages))
	copy(prompt, messages)
	p.prompts = append(p.prompts, prompt)
	p.mu.Unlock()

	if p.actions[0].kind == "open-err" {
		return nil, fmt.Errorf("dummy provider open error class=%s", emptyAs(p.actions[0].arg, "provider_api"))
	}
	return &stream{ctx: ctx, actions: p.actions}, nil
}

// Prompts returns every message list passed to Stream, in call order.
func (p *Provider) Prompts() [][]ctxpkg.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]ctxpkg.Message, len(p.prompts))
	copy(out, p.prompts)
	return out
}

type stream struct {
	ctx     context.Context
	actions []action
	index   int
	closed  bool
}

func (s *stream) Recv() (modelpkg.Chunk, error) {
	for {
		if s.closed {
			return modelpkg.Chunk{}, io.ErrClosedPipe
		}
		if err := s.ctx.Err(); err != nil {
			return modelpkg.Chunk{}, err
		}
		if s.index >= len(s.actions) {
			return modelpkg.Chunk{}, io.EOF
		}
		a := s.actions[s.index]
		s.index++
		switch a.kind {
		case "ok":
			return modelpkg.Chunk{Text: "dummy-ok"}, nil
		case "chunk":
			return modelpkg.Chunk{Text: a.arg}, nil
		case "err":
			return modelpkg.Chunk{}, fmt.Errorf("dummy provider error class=%s", emptyAs(a.arg, "provider_api"))
		case "sleep":
			ms, _ := strconv.Atoi(a.arg)
			if ms == 0 {
				continue
			}
			timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return modelpkg.Chunk{}, s.ctx.Err()
			case <-timer.C:
			}
		}
	}
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
