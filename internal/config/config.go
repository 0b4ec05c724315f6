package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	EnvPrefix     = "CHATSTREAM"
	EnvConfigFile = "CHATSTREAM_CONFIG"

	DefaultSystemPrompt = "You are a helpful AI assistant that provides well-structured, professional responses. " +
		"Use markdown for structure and always wrap code in fenced code blocks with a language tag."
)

// ServerConfig holds configuration for the chat server.
type ServerConfig struct {
	Addr                  string
	Provider              string
	Model                 string
	GeminiAPIKey          string
	GeminiBaseURL         string
	OpenAIAPIKey          string
	OpenAIBaseURL         string
	SystemPrompt          string
	SystemPromptFile      string
	DBPath                string
	HistoryWindow         int
	MaxPromptTokens       int
	TokenEncoding         string
	StreamTimeoutSeconds  int
	RequestTimeoutSeconds int
	DummyScript           string
	CircuitThreshold      int
	CircuitCooldownSecs   int
	AllowedOrigins        []string
	ConfigFile            string
}

// APIKey returns the credential of the selected provider.
func (c ServerConfig) APIKey() string {
	switch c.Provider {
	case "openai":
		return c.OpenAIAPIKey
	case "gemini":
		return c.GeminiAPIKey
	}
	return ""
}

// APIKeyEnv names the environment variable carrying the provider credential.
func (c ServerConfig) APIKeyEnv() string {
	switch c.Provider {
	case "openai":
		return "OPENAI_API_KEY"
	case "gemini":
		return "GEMINI_API_KEY"
	}
	return ""
}

func (c ServerConfig) StreamTimeout() time.Duration {
	return time.Duration(c.StreamTimeoutSeconds) * time.Second
}

func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c ServerConfig) CircuitCooldown() time.Duration {
	return time.Duration(c.CircuitCooldownSecs) * time.Second
}

var defaults = map[string]any{
	"addr":                     "0.0.0.0:8000",
	"provider":                 "gemini",
	"model":                    "gemini-2.0-flash",
	"gemini_api_key":           "",
	"gemini_base_url":          "",
	"openai_api_key":           "",
	"openai_base_url":          "",
	"system_prompt":            DefaultSystemPrompt,
	"system_prompt_file":       "",
	"db_path":                  "./data/chatstream.db",
	"history_window":           "0",
	"max_prompt_tokens":        "0",
	"token_encoding":           "cl100k_base",
	"stream_timeout_seconds":   "0",
	"request_timeout_seconds":  "90",
	"dummy_script":             "",
	"circuit_threshold":        "5",
	"circuit_cooldown_seconds": "30",
	"allowed_origins":          "*",
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Credentials keep their conventional unprefixed names.
	_ = v.BindEnv("gemini_api_key", EnvPrefix+"_GEMINI_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("openai_api_key", EnvPrefix+"_OPENAI_API_KEY", "OPENAI_API_KEY")
	return v
}

// LoadServerConfig reads configuration from defaults, the optional config
// file named by CHATSTREAM_CONFIG and CHATSTREAM_* environment variables.
func LoadServerConfig() (ServerConfig, error) {
	v := newViper()
	path := os.Getenv(EnvConfigFile)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return ServerConfig{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return ServerConfig{}, err
	}
	cfg.ConfigFile = path
	return cfg, nil
}

func decode(v *viper.Viper) (ServerConfig, error) {
	provider := strings.ToLower(strings.TrimSpace(v.GetString("provider")))
	switch provider {
	case "gemini", "openai", "dummy":
	default:
		return ServerConfig{}, fmt.Errorf("provider must be one of gemini, openai, dummy: %q", provider)
	}

	historyWindow, err := nonNegativeInt(v, "history_window")
	if err != nil {
		return ServerConfig{}, err
	}
	maxPromptTokens, err := nonNegativeInt(v, "max_prompt_tokens")
	if err != nil {
		return ServerConfig{}, err
	}
	streamTimeout, err := nonNegativeInt(v, "stream_timeout_seconds")
	if err != nil {
		return ServerConfig{}, err
	}
	requestTimeout, err := nonNegativeInt(v, "request_timeout_seconds")
	if err != nil {
		return ServerConfig{}, err
	}
	circuitThreshold, err := nonNegativeInt(v, "circuit_threshold")
	if err != nil {
		return ServerConfig{}, err
	}
	circuitCooldown, err := nonNegativeInt(v, "circuit_cooldown_seconds")
	if err != nil {
		return ServerConfig{}, err
	}
	if requestTimeout == 0 {
		return ServerConfig{}, fmt.Errorf("request_timeout_seconds must be > 0")
	}

	addr := strings.TrimSpace(v.GetString("addr"))
	if addr == "" {
		return ServerConfig{}, fmt.Errorf("addr must not be empty")
	}

	cfg := ServerConfig{
		Addr:                  addr,
		Provider:              provider,
		Model:                 strings.TrimSpace(v.GetString("model")),
		GeminiAPIKey:          strings.TrimSpace(v.GetString("gemini_api_key")),
		GeminiBaseURL:         strings.TrimSpace(v.GetString("gemini_base_url")),
		OpenAIAPIKey:          strings.TrimSpace(v.GetString("openai_api_key")),
		OpenAIBaseURL:         strings.TrimSpace(v.GetString("openai_base_url")),
		SystemPrompt:          v.GetString("system_prompt"),
		SystemPromptFile:      strings.TrimSpace(v.GetString("system_prompt_file")),
		DBPath:                strings.TrimSpace(v.GetString("db_path")),
		HistoryWindow:         historyWindow,
		MaxPromptTokens:       maxPromptTokens,
		TokenEncoding:         strings.TrimSpace(v.GetString("token_encoding")),
		StreamTimeoutSeconds:  streamTimeout,
		RequestTimeoutSeconds: requestTimeout,
		DummyScript:           v.GetString("dummy_script"),
		CircuitThreshold:      circuitThreshold,
		CircuitCooldownSecs:   circuitCooldown,
		AllowedOrigins:        parseList(v.GetString("allowed_origins")),
	}
	if cfg.Model == "" {
		return ServerConfig{}, fmt.Errorf("model must not be empty")
	}
	if cfg.SystemPromptFile != "" {
		data, err := os.ReadFile(cfg.SystemPromptFile)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("failed to read system_prompt_file %s: %w", cfg.SystemPromptFile, err)
		}
		cfg.SystemPrompt = strings.TrimSpace(string(data))
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return cfg, nil
}

// Watch re-reads the config file on change and passes the new configuration
// to onChange. Invalid edits are reported to onError and otherwise ignored.
func Watch(path string, onChange func(ServerConfig), onError func(error)) error {
	if path == "" {
		return fmt.Errorf("no config file to watch")
	}
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var (
		mu       sync.Mutex
		debounce *time.Timer
	)
	v.OnConfigChange(func(_ fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.AfterFunc(100*time.Millisecond, func() {
			mu.Lock()
			defer mu.Unlock()
			cfg, err := decode(v)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			cfg.ConfigFile = path
			onChange(cfg)
		})
	})
	v.WatchConfig()
	return nil
}

func nonNegativeInt(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %q", key, raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must be >= 0", key)
	}
	return n, nil
}

func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
