package server

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/stupiduntilnot/chatstream/internal/db"
	"github.com/stupiduntilnot/chatstream/internal/history"
	"github.com/stupiduntilnot/chatstream/internal/relay"
)

// Options configures the HTTP surface.
type Options struct {
	AllowedOrigins []string
	Version        string
}

// Server exposes the relay over HTTP, SSE and websocket.
type Server struct {
	relay    *relay.Relay
	sessions *history.Registry
	origins  []string
	version  string
	upgrader websocket.Upgrader
}

func New(r *relay.Relay, opts Options) *Server {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s := &Server{
		relay:    r,
		sessions: r.Sessions,
		origins:  origins,
		version:  opts.Version,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(req *http.Request) bool {
			origin := req.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	return s
}

// Handler builds the gin engine. Chat routes are mounted under both
// /api/chat and /chat.
func (s *Server) Handler() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLog(), s.cors())

	engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Chat API is running"})
	})
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": s.version})
	})

	for _, prefix := range []string{"/api/chat", "/chat"} {
		g := engine.Group(prefix)
		g.POST("/stream", s.handleStream)
		g.POST("/reset", s.handleReset)
		g.GET("/history", s.handleHistory)
		g.GET("/ws", s.handleWebsocket)
		g.POST("/sessions", s.handleCreateSession)
		g.GET("/sessions", s.handleListSessions)
		g.DELETE("/sessions/:id", s.handleDeleteSession)
	}
	return engine
}

func (s *Server) handleReset(c *gin.Context) {
	id := sessionParam(c)
	s.sessions.Reset(id)
	log.Printf("[server] history reset session=%s", id)
	s.logEvent(db.EventHistoryReset, map[string]any{"session_id": id})
	c.JSON(http.StatusOK, gin.H{"message": "Conversation reset successfully"})
}

func (s *Server) handleHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"history": s.sessions.Snapshot(sessionParam(c))})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	id := s.sessions.Create()
	log.Printf("[server] session created session=%s", id)
	s.logEvent(db.EventSessionCreated, map[string]any{"session_id": id})
	c.JSON(http.StatusCreated, gin.H{"session_id": id})
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.Sessions()})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	if !s.sessions.Delete(id) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "session not found"})
		return
	}
	log.Printf("[server] session deleted session=%s", id)
	s.logEvent(db.EventSessionDeleted, map[string]any{"session_id": id})
	c.JSON(http.StatusOK, gin.H{"message": "Session deleted", "session_id": id})
}

func sessionParam(c *gin.Context) string {
	if id := strings.TrimSpace(c.Query("session_id")); id != "" {
		return id
	}
	return history.DefaultSession
}

func (s *Server) logEvent(eventType string, payload map[string]any) {
	if s.relay.Journal == nil {
		return
	}
	if _, err := s.relay.Journal.LogEvent(s.relay.ParentEventID, eventType, payload); err != nil {
		log.Printf("[server] failed to log %s event: %v", eventType, err)
	}
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
			if c.Request.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				if req := c.GetHeader("Access-Control-Request-Headers"); req != "" {
					h.Set("Access-Control-Allow-Headers", req)
				} else {
					h.Set("Access-Control-Allow-Headers", "*")
				}
				h.Set("Access-Control-Max-Age", "600")
			}
		}
		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Printf("[server] %s %s status=%d elapsed=%s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

// ListenAndServe serves handler on addr until ctx is cancelled, then shuts
// down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	// In-flight streams observe shutdown through their request context.
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	g.Go(func() error {
		log.Printf("[server] listening addr=%s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Printf("[server] shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
