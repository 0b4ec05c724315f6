package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stupiduntilnot/chatstream/internal/relay"
)

type chatRequest struct {
	Message   *string `json:"message"`
	ModelName string  `json:"model_name"`
	SessionID string  `json:"session_id"`
}

func decodeChatRequest(body io.Reader) (chatRequest, error) {
	var req chatRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return chatRequest{}, errors.New("invalid request body: " + err.Error())
	}
	if req.Message == nil {
		return chatRequest{}, errors.New("field required: message")
	}
	return req, nil
}

func openFailureDetail(err error) string {
	return relay.RedactSecrets(err.Error())
}

func (s *Server) handleStream(c *gin.Context) {
	req, err := decodeChatRequest(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = sessionParam(c)
	}

	turn, err := s.relay.Open(c.Request.Context(), relay.Request{
		SessionID: sessionID,
		Message:   *req.Message,
		Model:     strings.TrimSpace(req.ModelName),
		RequestID: c.GetHeader("X-Request-ID"),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": openFailureDetail(err)})
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Request-ID", turn.RequestID())
	c.Status(http.StatusOK)
	c.Writer.Flush()

	turn.Pump(&sseEmitter{c: c})
}

// sseEmitter writes each payload as one "data:" frame and flushes it.
type sseEmitter struct {
	c *gin.Context
}

func (e *sseEmitter) Emit(payload []byte) error {
	if err := e.c.Request.Context().Err(); err != nil {
		return err
	}
	if _, err := e.c.Writer.Write(relay.Frame(payload)); err != nil {
		return err
	}
	e.c.Writer.Flush()
	return nil
}
