package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config aggregates every setting of the client and its tools.
type Config struct {
	Server    ServerConfig
	Authority AuthorityConfig
	Poller    PollerConfig
	Handle    HandleConfig
	AI        AIConfig
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	authority, err := loadAuthorityConfig()
	if err != nil {
		return nil, err
	}

	poller, err := loadPollerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		Authority: authority,
		Poller:    poller,
		Handle:    HandleConfig{DBPath: getEnvOrDefault("HANDLE_DB_PATH", "graymar.db")},
		AI:        ai,
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

// loadServerConfig resolves the listen address from PORT.
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// ":8080" and "127.0.0.1:8080" are accepted as-is.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AuthorityConfig describes how to reach the turn-resolution service.
type AuthorityConfig struct {
	BaseURL        string
	UserID         string
	Token          string
	TimeoutSeconds int
}

// DefaultUserID is sent when AUTHORITY_USER_ID is unset.
const DefaultUserID = "00000000-0000-0000-0000-000000000001"

func loadAuthorityConfig() (AuthorityConfig, error) {
	timeout := 30
	if override, err := parseOptionalIntEnv("AUTHORITY_TIMEOUT_SECONDS"); err != nil {
		return AuthorityConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return AuthorityConfig{}, fmt.Errorf("invalid AUTHORITY_TIMEOUT_SECONDS value %d: must be positive", *override)
		}
		timeout = *override
	}

	return AuthorityConfig{
		BaseURL:        getEnvOrDefault("AUTHORITY_BASE_URL", "http://localhost:3000"),
		UserID:         getEnvOrDefault("AUTHORITY_USER_ID", DefaultUserID),
		Token:          strings.TrimSpace(os.Getenv("AUTHORITY_TOKEN")),
		TimeoutSeconds: timeout,
	}, nil
}

// PollerConfig bounds narrative polling. Interval × MaxAttempts is the hard timeout.
type PollerConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultPollerConfig polls every 2s for up to 30s.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{Interval: 2 * time.Second, MaxAttempts: 15}
}

func loadPollerConfig() (PollerConfig, error) {
	cfg := DefaultPollerConfig()

	interval, err := parseOptionalIntEnv("NARRATIVE_POLL_INTERVAL_MS")
	if err != nil {
		return PollerConfig{}, err
	}
	if interval != nil {
		if *interval < 1 {
			return PollerConfig{}, fmt.Errorf("invalid NARRATIVE_POLL_INTERVAL_MS value %d: must be positive", *interval)
		}
		cfg.Interval = time.Duration(*interval) * time.Millisecond
	}

	attempts, err := parseOptionalIntEnv("NARRATIVE_POLL_MAX_ATTEMPTS")
	if err != nil {
		return PollerConfig{}, err
	}
	if attempts != nil {
		if *attempts < 1 {
			cfg.MaxAttempts = 1
		} else {
			cfg.MaxAttempts = *attempts
		}
	}

	return cfg, nil
}

// HandleConfig locates the local active-run database.
type HandleConfig struct {
	DBPath string
}

// AIConfig describes the chat model used by the development authority to narrate turns.
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	// NarrationDelay is how long the development authority keeps a turn PENDING
	// when no model is configured.
	NarrationDelay time.Duration
}

// Enabled reports whether the required credentials are present.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel builds a chat model from the configuration.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: provide ARK_API_KEY + Model or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	delay := 3 * time.Second
	if override, err := parseOptionalIntEnv("NARRATION_DELAY_MS"); err != nil {
		return AIConfig{}, err
	} else if override != nil && *override >= 0 {
		delay = time.Duration(*override) * time.Millisecond
	}

	return AIConfig{
		APIKey:         strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:      strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:      strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:          strings.TrimSpace(os.Getenv("Model")),
		BaseURL:        getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		NarrationDelay: delay,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
