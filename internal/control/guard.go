package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	ctxpkg "github.com/stupiduntilnot/chatstream/internal/context"
	modelpkg "github.com/stupiduntilnot/chatstream/internal/model"
)

// ErrCircuitOpen is returned while the breaker rejects new streams.
var ErrCircuitOpen = errors.New("model provider circuit is open")

// Guard wraps a provider with a circuit breaker. Open failures and upstream
// stream errors count as failures. A stream that reaches io.EOF closes the
// circuit. Cancellation by the caller and missing credentials are not
// counted.
type Guard struct {
	Provider modelpkg.Provider
	Breaker  *CircuitBreaker
	Now      func() time.Time
}

func (g *Guard) Stream(ctx context.Context, model string, messages []ctxpkg.Message) (modelpkg.Stream, error) {
	if !g.Breaker.Allow(g.now()) {
		return nil, fmt.Errorf("%w after repeated %s failures", ErrCircuitOpen, g.Breaker.OpenedClass())
	}
	s, err := g.Provider.Stream(ctx, model, messages)
	if err != nil {
		g.record(ctx, err)
		return nil, err
	}
	return &guardedStream{Stream: s, guard: g, ctx: ctx}, nil
}

func (g *Guard) record(ctx context.Context, err error) {
	if errors.Is(err, modelpkg.ErrConfigurationMissing) || errors.Is(ctx.Err(), context.Canceled) {
		return
	}
	g.Breaker.RecordFailure(ClassifyError(ctx, err), g.now())
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

type guardedStream struct {
	modelpkg.Stream
	guard *Guard
	ctx   context.Context
	once  sync.Once
}

func (s *guardedStream) Recv() (modelpkg.Chunk, error) {
	chunk, err := s.Stream.Recv()
	if err == nil {
		return chunk, nil
	}
	s.once.Do(func() {
		if errors.Is(err, io.EOF) {
			s.guard.Breaker.RecordSuccess()
			return
		}
		s.guard.record(s.ctx, err)
	})
	return chunk, err
}

// ClassifyError buckets a provider error for the breaker.
func ClassifyError(ctx context.Context, err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "timeout"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "status=429", "status code: 429", "resource_exhausted", "rate limit"):
		return "rate_limit"
	case containsAny(msg, "status=401", "status=403", "status code: 401", "status code: 403", "permission_denied", "unauthenticated"):
		return "auth"
	default:
		return "provider_api"
	}
}

func containsAny(s string, parts ...string) bool {
	for _, p := range parts {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
