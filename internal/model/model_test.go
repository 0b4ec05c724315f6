package model

import (
	"context"
	"errors"
	"io"
	"testing"
)

func TestUnconfigured_FailsWithSentinel(t *testing.T) {
	_, err := Unconfigured{Name: "gemini"}.Stream(context.Background(), "m", nil)
	if !errors.Is(err, ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing, got %v", err)
	}
}

func TestSliceStream(t *testing.T) {
	boom := errors.New("boom")
	s := &SliceStream{Chunks: []string{"a", "b"}, Err: boom}
	for _, want := range []string{"a", "b"} {
		c, err := s.Recv()
		if err != nil || c.Text != want {
			t.Fatalf("Recv = %q, %v; want %q", c.Text, err, want)
		}
	}
	if _, err := s.Recv(); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	s = &SliceStream{}
	if _, err := s.Recv(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	s.Close()
	if _, err := s.Recv(); err == nil {
		t.Fatal("expected error after close")
	}
}
