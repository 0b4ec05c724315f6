package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	ctxpkg "github.com/stupiduntilnot/chatstream/internal/context"
	"github.com/stupiduntilnot/chatstream/internal/db"
	"github.com/stupiduntilnot/chatstream/internal/history"
	modelpkg "github.com/stupiduntilnot/chatstream/internal/model"
)

var tracer = otel.Tracer("chatstream.relay")

// Journal records lifecycle events. It is satisfied by *db.Journal.
type Journal interface {
	LogEvent(parentID *int64, eventType string, payload map[string]any) (int64, error)
}

// Emitter delivers one encoded event payload to the consumer. An error means
// the consumer is gone.
type Emitter interface {
	Emit(payload []byte) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(payload []byte) error

func (f EmitterFunc) Emit(payload []byte) error { return f(payload) }

// State is the terminal state of a turn.
type State string

const (
	StateComplete State = "complete"
	StateFailed   State = "failed"
	StateAborted  State = "aborted"
)

// Outcome describes how a turn ended.
type Outcome struct {
	State   State
	Content string
	Chunks  int
	Err     error
}

// Request is one chat request.
type Request struct {
	SessionID string
	Message   string
	Model     string
	RequestID string
}

// Relay turns a chat request into a stream of events and commits the
// exchange to the session history once the model response is complete.
type Relay struct {
	Sessions     *history.Registry
	Provider     modelpkg.Provider
	Assembler    ctxpkg.Assembler
	Compressor   ctxpkg.Compressor
	SystemPrompt func() string
	DefaultModel string

	// Timeout bounds the whole upstream stream. Zero disables it.
	Timeout time.Duration

	Journal       Journal
	ParentEventID *int64
	Tokens        *ctxpkg.TokenCounter

	encode func(Event) ([]byte, error)
}

// ErrNoProvider is returned by Open when the relay has no model provider.
var ErrNoProvider = errors.New("no model provider configured")

// Turn is an opened request waiting to be pumped.
type Turn struct {
	relay     *Relay
	req       Request
	model     string
	prompt    []ctxpkg.Message
	store     *history.Store
	parent    context.Context
	streamCtx context.Context
	cancel    context.CancelFunc
	stream    modelpkg.Stream
	span      trace.Span
	eventID   *int64
	started   time.Time
}

// Open snapshots the session history and assembles the prompt. It does not
// contact the model; it fails only without a provider or on a done context.
func (r *Relay) Open(ctx context.Context, req Request) (*Turn, error) {
	if r.Provider == nil {
		return nil, ErrNoProvider
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		req.SessionID = history.DefaultSession
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	model := req.Model
	if model == "" {
		model = r.DefaultModel
	}

	ctx, span := tracer.Start(ctx, "chatstream.relay/stream", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("request.id", req.RequestID),
		attribute.String("model", model),
	))

	store, _ := r.Sessions.Lookup(req.SessionID)
	var turns []ctxpkg.Message
	if store != nil {
		turns = store.Snapshot()
	}
	if r.Compressor != nil {
		turns = r.Compressor.Compress(turns)
	}
	system := ""
	if r.SystemPrompt != nil {
		system = r.SystemPrompt()
	}
	assembler := r.Assembler
	if assembler == nil {
		assembler = &ctxpkg.StandardAssembler{}
	}
	prompt := assembler.Assemble(system, turns, req.Message)
	promptTokens := r.Tokens.CountMessages(prompt)
	span.SetAttributes(
		attribute.Int("prompt.messages", len(prompt)),
		attribute.Int("prompt.tokens", promptTokens),
	)

	var (
		streamCtx context.Context
		cancel    context.CancelFunc
	)
	if r.Timeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, r.Timeout)
	} else {
		streamCtx, cancel = context.WithCancel(ctx)
	}

	t := &Turn{
		relay:     r,
		req:       req,
		model:     model,
		prompt:    prompt,
		store:     store,
		parent:    ctx,
		streamCtx: streamCtx,
		cancel:    cancel,
		span:      span,
		started:   time.Now(),
	}
	if id, ok := r.logEvent(r.ParentEventID, db.EventStreamStarted, map[string]any{
		"session_id":      req.SessionID,
		"request_id":      req.RequestID,
		"model":           model,
		"history_turns":   len(turns),
		"prompt_messages": len(prompt),
		"prompt_tokens":   promptTokens,
	}); ok {
		t.eventID = &id
	}
	return t, nil
}

// Run opens a turn and pumps it to emit.
func (r *Relay) Run(ctx context.Context, req Request, emit Emitter) (Outcome, error) {
	t, err := r.Open(ctx, req)
	if err != nil {
		return Outcome{State: StateFailed, Err: err}, err
	}
	return t.Pump(emit), nil
}

// RequestID returns the id assigned to the turn's request.
func (t *Turn) RequestID() string { return t.req.RequestID }

// Pump opens the model stream and relays it to emit until the stream ends,
// fails, or the consumer goes away. A failure to open the stream is reported
// in-band like any other upstream error. It always releases the turn.
func (t *Turn) Pump(emit Emitter) Outcome {
	defer t.release()

	stream, err := t.relay.Provider.Stream(t.streamCtx, t.model, t.prompt)
	if err != nil {
		if cause := t.parent.Err(); cause != nil {
			return t.abort("", 0, cause)
		}
		log.Printf("[relay] stream open failed session=%s request=%s model=%s err=%v", t.req.SessionID, t.req.RequestID, t.model, err)
		return t.fail(emit, "", 0, "open", t.upstreamErr(err))
	}
	t.stream = stream

	var acc strings.Builder
	chunks := 0
	for {
		chunk, err := t.stream.Recv()
		if errors.Is(err, io.EOF) {
			return t.complete(emit, acc.String(), chunks)
		}
		if err != nil {
			if cause := t.parent.Err(); cause != nil {
				return t.abort(acc.String(), chunks, cause)
			}
			return t.fail(emit, acc.String(), chunks, "upstream", t.upstreamErr(err))
		}
		if chunk.Text == "" {
			continue
		}
		acc.WriteString(chunk.Text)
		chunks++

		payload, err := t.relay.encodeEvent(Event{Content: acc.String()})
		if err != nil {
			return t.invalid(emit, acc.String(), chunks, err)
		}
		if err := emit.Emit(payload); err != nil {
			return t.abort(acc.String(), chunks, err)
		}
	}
}

func (t *Turn) upstreamErr(err error) error {
	if t.relay.Timeout > 0 && errors.Is(t.streamCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("stream timed out after %s", t.relay.Timeout)
	}
	return err
}

func (t *Turn) complete(emit Emitter, content string, chunks int) Outcome {
	if !t.relay.Sessions.Commit(t.req.SessionID, t.store,
		ctxpkg.Message{Role: ctxpkg.RoleUser, Content: t.req.Message},
		ctxpkg.Message{Role: ctxpkg.RoleAssistant, Content: content},
	) {
		log.Printf("[relay] session deleted during stream, exchange dropped session=%s request=%s", t.req.SessionID, t.req.RequestID)
	}

	payload, err := t.relay.encodeEvent(Event{Content: content, Done: true})
	if err != nil {
		log.Printf("[relay] final event encode failed session=%s request=%s err=%v", t.req.SessionID, t.req.RequestID, err)
		payload = invalidCompletedPayload
	}
	if err := emit.Emit(payload); err != nil {
		log.Printf("[relay] final event not delivered session=%s request=%s err=%v", t.req.SessionID, t.req.RequestID, err)
	}

	log.Printf("[relay] stream completed session=%s request=%s chunks=%d chars=%d elapsed=%s",
		t.req.SessionID, t.req.RequestID, chunks, len(content), time.Since(t.started).Round(time.Millisecond))
	t.span.SetAttributes(attribute.String("stream.state", string(StateComplete)), attribute.Int("stream.chunks", chunks))
	t.journal(db.EventStreamCompleted, map[string]any{
		"chunks":          chunks,
		"response_chars":  len(content),
		"response_tokens": t.relay.Tokens.Count(content),
	})
	return Outcome{State: StateComplete, Content: content, Chunks: chunks}
}

func (t *Turn) fail(emit Emitter, content string, chunks int, stage string, cause error) Outcome {
	payload, err := t.relay.encodeEvent(Event{Content: "Error: " + RedactSecrets(cause.Error()), Done: true, Error: true})
	if err != nil {
		payload = invalidContentPayload
	}
	if err := emit.Emit(payload); err != nil {
		log.Printf("[relay] error event not delivered session=%s request=%s err=%v", t.req.SessionID, t.req.RequestID, err)
	}
	return t.failed(content, chunks, stage, cause)
}

func (t *Turn) invalid(emit Emitter, content string, chunks int, cause error) Outcome {
	if err := emit.Emit(invalidContentPayload); err != nil {
		log.Printf("[relay] error event not delivered session=%s request=%s err=%v", t.req.SessionID, t.req.RequestID, err)
	}
	return t.failed(content, chunks, "serialization", cause)
}

func (t *Turn) failed(content string, chunks int, stage string, cause error) Outcome {
	log.Printf("[relay] stream failed session=%s request=%s stage=%s chunks=%d err=%v", t.req.SessionID, t.req.RequestID, stage, chunks, cause)
	t.span.RecordError(cause)
	t.span.SetStatus(codes.Error, stage+" failure")
	t.span.SetAttributes(attribute.String("stream.state", string(StateFailed)), attribute.Int("stream.chunks", chunks))
	t.journal(db.EventStreamFailed, map[string]any{
		"stage":  stage,
		"chunks": chunks,
		"error":  RedactSecrets(cause.Error()),
	})
	return Outcome{State: StateFailed, Content: content, Chunks: chunks, Err: cause}
}

func (t *Turn) abort(content string, chunks int, cause error) Outcome {
	log.Printf("[relay] stream aborted session=%s request=%s chunks=%d err=%v", t.req.SessionID, t.req.RequestID, chunks, cause)
	t.span.SetAttributes(attribute.String("stream.state", string(StateAborted)), attribute.Int("stream.chunks", chunks))
	t.journal(db.EventStreamAborted, map[string]any{
		"chunks": chunks,
		"error":  cause.Error(),
	})
	return Outcome{State: StateAborted, Content: content, Chunks: chunks, Err: cause}
}

func (t *Turn) release() {
	if t.stream != nil {
		if err := t.stream.Close(); err != nil {
			log.Printf("[relay] stream close failed request=%s err=%v", t.req.RequestID, err)
		}
	}
	t.cancel()
	t.span.End()
}

func (t *Turn) journal(eventType string, payload map[string]any) {
	payload["session_id"] = t.req.SessionID
	payload["request_id"] = t.req.RequestID
	payload["model"] = t.model
	payload["elapsed_ms"] = time.Since(t.started).Milliseconds()
	t.relay.logEvent(t.eventID, eventType, payload)
}

func (r *Relay) logEvent(parentID *int64, eventType string, payload map[string]any) (int64, bool) {
	if r.Journal == nil {
		return 0, false
	}
	id, err := r.Journal.LogEvent(parentID, eventType, payload)
	if err != nil {
		log.Printf("[relay] failed to log %s event: %v", eventType, err)
		return 0, false
	}
	return id, id > 0
}

func (r *Relay) encodeEvent(ev Event) ([]byte, error) {
	if r.encode != nil {
		return r.encode(ev)
	}
	return EncodeEvent(ev)
}
