package server

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/stupiduntilnot/chatstream/internal/relay"
)

const (
	wsReadLimit    = 64 * 1024
	wsWriteTimeout = 10 * time.Second
)

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) Emit(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsConn) emitError(msg string) {
	payload, err := relay.EncodeEvent(relay.Event{Content: "Error: " + msg, Done: true, Error: true})
	if err != nil {
		return
	}
	_ = w.Emit(payload)
}

// handleWebsocket runs one relay turn per inbound text message. Turns on one
// socket run sequentially; closing the socket aborts the active turn.
func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[server] websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	defaultSession := sessionParam(c)
	out := &wsConn{conn: conn}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	requests := make(chan relay.Request, 8)

	g.Go(func() error {
		defer close(requests)
		defer cancel()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return err
				}
				return nil
			}
			if msgType != websocket.TextMessage {
				continue
			}
			req, err := decodeChatRequest(bytes.NewReader(data))
			if err != nil {
				out.emitError(err.Error())
				continue
			}
			sessionID := strings.TrimSpace(req.SessionID)
			if sessionID == "" {
				sessionID = defaultSession
			}
			select {
			case requests <- relay.Request{SessionID: sessionID, Message: *req.Message, Model: strings.TrimSpace(req.ModelName)}:
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		// Unblocks ReadMessage when the request context ends first.
		_ = conn.SetReadDeadline(time.Now())
		return nil
	})

	g.Go(func() error {
		for req := range requests {
			if _, err := s.relay.Run(ctx, req, out); err != nil {
				out.emitError(relay.RedactSecrets(err.Error()))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[server] websocket closed with error session=%s err=%v", defaultSession, err)
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}
