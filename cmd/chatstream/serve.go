package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/chatstream/internal/config"
	ctxpkg "github.com/stupiduntilnot/chatstream/internal/context"
	"github.com/stupiduntilnot/chatstream/internal/control"
	"github.com/stupiduntilnot/chatstream/internal/db"
	"github.com/stupiduntilnot/chatstream/internal/dummy"
	"github.com/stupiduntilnot/chatstream/internal/gemini"
	"github.com/stupiduntilnot/chatstream/internal/history"
	modelpkg "github.com/stupiduntilnot/chatstream/internal/model"
	"github.com/stupiduntilnot/chatstream/internal/openai"
	"github.com/stupiduntilnot/chatstream/internal/relay"
	"github.com/stupiduntilnot/chatstream/internal/server"
	"github.com/stupiduntilnot/chatstream/internal/version"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return err
	}
	gin.SetMode(gin.ReleaseMode)

	journal, closeJournal, err := openJournal(cfg.DBPath)
	if err != nil {
		return err
	}
	defer closeJournal()

	info := version.Get()
	var rootID *int64
	if id, err := journal.LogEvent(nil, db.EventProcessStarted, map[string]any{
		"role":     "server",
		"pid":      os.Getpid(),
		"provider": cfg.Provider,
		"model":    cfg.Model,
		"addr":     cfg.Addr,
		"version":  info.String(),
	}); err != nil {
		log.Printf("[server] failed to log process.started: %v", err)
	} else if id > 0 {
		rootID = &id
	}

	r, prompt, err := buildRelay(cfg, journal, rootID)
	if err != nil {
		return err
	}

	if cfg.ConfigFile != "" {
		err := config.Watch(cfg.ConfigFile, func(next config.ServerConfig) {
			if next.SystemPrompt == prompt.Load() {
				return
			}
			prompt.Store(next.SystemPrompt)
			log.Printf("[config] system prompt reloaded from %s", cfg.ConfigFile)
			if _, err := journal.LogEvent(rootID, db.EventConfigReloaded, map[string]any{"file": cfg.ConfigFile}); err != nil {
				log.Printf("[config] failed to log config.reloaded: %v", err)
			}
		}, func(err error) {
			log.Printf("[config] ignoring invalid config change: %v", err)
		})
		if err != nil {
			log.Printf("[config] watch disabled: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(r, server.Options{AllowedOrigins: cfg.AllowedOrigins, Version: info.String()})
	err = server.ListenAndServe(ctx, cfg.Addr, srv.Handler())
	if _, logErr := journal.LogEvent(rootID, db.EventProcessStopped, map[string]any{"pid": os.Getpid()}); logErr != nil {
		log.Printf("[server] failed to log process.stopped: %v", logErr)
	}
	return err
}

// openJournal returns a nil journal when path is empty.
func openJournal(path string) (*db.Journal, func(), error) {
	if path == "" {
		log.Printf("[server] event journal disabled")
		return nil, func() {}, nil
	}
	database, err := db.OpenDB(path)
	if err != nil {
		return nil, nil, err
	}
	if err := db.InitSchema(database); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return &db.Journal{DB: database}, func() { database.Close() }, nil
}

// buildRelay wires the provider, prompt pipeline and history stores. The
// returned prompt holds the live system prompt.
func buildRelay(cfg config.ServerConfig, journal *db.Journal, rootID *int64) (*relay.Relay, *atomic.Value, error) {
	provider, err := newModelProvider(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init model provider: %w", err)
	}
	if cfg.CircuitThreshold > 0 {
		provider = &control.Guard{Provider: provider, Breaker: newBreaker(cfg, journal, rootID)}
	}

	tokens, err := ctxpkg.NewTokenCounter(cfg.TokenEncoding)
	if err != nil {
		log.Printf("[server] token encoding %s unavailable, using estimates: %v", cfg.TokenEncoding, err)
		tokens = nil
	}

	var chain ctxpkg.Chain
	if cfg.HistoryWindow > 0 {
		chain = append(chain, &ctxpkg.SimpleCompressor{MaxMessages: cfg.HistoryWindow})
	}
	if cfg.MaxPromptTokens > 0 {
		chain = append(chain, &ctxpkg.TokenBudgetCompressor{Counter: tokens, MaxTokens: cfg.MaxPromptTokens})
	}
	var compressor ctxpkg.Compressor
	if len(chain) > 0 {
		compressor = chain
	}

	prompt := &atomic.Value{}
	prompt.Store(cfg.SystemPrompt)

	r := &relay.Relay{
		Sessions: history.NewRegistry(),
		Provider: provider,
		Assembler: &ctxpkg.StandardAssembler{OnCoerce: func(m ctxpkg.Message) {
			log.Printf("[relay] history turn with role %q sent as system", m.Role)
		}},
		Compressor:    compressor,
		SystemPrompt:  func() string { return prompt.Load().(string) },
		DefaultModel:  cfg.Model,
		Timeout:       cfg.StreamTimeout(),
		ParentEventID: rootID,
		Tokens:        tokens,
	}
	if journal != nil {
		r.Journal = journal
	}
	return r, prompt, nil
}

var circuitEvents = map[control.CircuitState]string{
	control.CircuitOpen:     db.EventCircuitOpened,
	control.CircuitHalfOpen: db.EventCircuitHalfOpen,
	control.CircuitClosed:   db.EventCircuitClosed,
}

func newBreaker(cfg config.ServerConfig, journal *db.Journal, rootID *int64) *control.CircuitBreaker {
	breaker := control.NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown())
	breaker.OnChange = func(from, to control.CircuitState, errClass string) {
		log.Printf("[control] provider circuit %s -> %s error_class=%s", from, to, errClass)
		payload := map[string]any{"from": string(from), "error_class": errClass}
		if to == control.CircuitOpen {
			payload["threshold"] = breaker.Threshold
			payload["cooldown_seconds"] = int(breaker.Cooldown.Seconds())
		}
		if _, err := journal.LogEvent(rootID, circuitEvents[to], payload); err != nil {
			log.Printf("[control] failed to log %s: %v", circuitEvents[to], err)
		}
	}
	return breaker
}

// newModelProvider builds the configured provider. A missing credential is
// logged and yields a provider that fails every request.
func newModelProvider(cfg config.ServerConfig) (modelpkg.Provider, error) {
	switch cfg.Provider {
	case "dummy":
		return dummy.NewProvider(cfg.Model, cfg.DummyScript)
	case "gemini", "openai":
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.Provider)
	}
	if cfg.APIKey() == "" {
		log.Printf("[server] %s is not set; chat requests will fail until it is configured", cfg.APIKeyEnv())
		return modelpkg.Unconfigured{Name: cfg.Provider}, nil
	}
	if cfg.Provider == "openai" {
		return openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.RequestTimeout()), nil
	}
	return gemini.NewClient(cfg.GeminiAPIKey, cfg.GeminiBaseURL, cfg.RequestTimeout()), nil
}
