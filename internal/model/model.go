package model

import (
	"context"
	"errors"
	"fmt"
	"io"

	ctxpkg "github.com/stupiduntilnot/chatstream/internal/context"
)

// ErrConfigurationMissing is returned by providers that were started without
// the credential they need.
var ErrConfigurationMissing = errors.New("model provider credential is not configured")

// Chunk is one incremental fragment of model output.
type Chunk struct {
	Text string
}

// Stream yields chunks until io.EOF. Close releases the upstream connection
// and may be called at any point, including after io.EOF.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Provider opens streaming completions. The returned stream is bound to ctx:
// cancelling ctx makes a pending Recv return promptly.
type Provider interface {
	Stream(ctx context.Context, model string, messages []ctxpkg.Message) (Stream, error)
}

// Unconfigured is a provider whose every call fails with ErrConfigurationMissing.
type Unconfigured struct {
	Name string
}

func (u Unconfigured) Stream(ctx context.Context, model string, messages []ctxpkg.Message) (Stream, error) {
	return nil, fmt.Errorf("%s: %w", u.Name, ErrConfigurationMissing)
}

// SliceStream replays fixed chunks, optionally failing after them.
type SliceStream struct {
	Chunks []string
	Err    error
	closed bool
}

func (s *SliceStream) Recv() (Chunk, error) {
	if s.closed {
		return Chunk{}, io.ErrClosedPipe
	}
	if len(s.Chunks) == 0 {
		if s.Err != nil {
			return Chunk{}, s.Err
		}
		return Chunk{}, io.EOF
	}
	c := s.Chunks[0]
	s.Chunks = s.Chunks[1:]
	return Chunk{Text: c}, nil
}

func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}
