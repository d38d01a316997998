package infra

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ResultURLFromEvent = "event"
	ResultURLDerived   = "derived"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv string
	Port   string

	// Client side.
	CloneAPIURL         string
	CloneWSURL          string
	SubmitTimeout       time.Duration
	ChannelErrorGrace   time.Duration
	ChannelPingInterval time.Duration
	ResultURLMode       string

	// Dev backend.
	PublicBaseURL      string
	StoragePath        string
	FetchTimeout       time.Duration
	CORSAllowedOrigins []string
	HTTPReadTimeout    time.Duration
	HTTPIdleTimeout    time.Duration
	RateLimitPerMin    int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		Port:               port,
		CloneAPIURL:        strings.TrimRight(getEnv("CLONE_API_URL", "http://localhost:"+port), "/"),
		CloneWSURL:         strings.TrimRight(os.Getenv("CLONE_WS_URL"), "/"),
		ResultURLMode:      strings.ToLower(getEnv("RESULT_URL_MODE", ResultURLFromEvent)),
		PublicBaseURL:      strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		StoragePath:        getEnv("STORAGE_PATH", "./storage"),
		CORSAllowedOrigins: getEnvCSV("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	var err error
	if cfg.SubmitTimeout, err = getEnvDuration("SUBMIT_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("parse SUBMIT_TIMEOUT: %w", err)
	}
	if cfg.ChannelErrorGrace, err = getEnvDuration("CHANNEL_ERROR_GRACE", 0); err != nil {
		return nil, fmt.Errorf("parse CHANNEL_ERROR_GRACE: %w", err)
	}
	if cfg.ChannelPingInterval, err = getEnvDuration("CHANNEL_PING_INTERVAL", 20*time.Second); err != nil {
		return nil, fmt.Errorf("parse CHANNEL_PING_INTERVAL: %w", err)
	}
	if cfg.FetchTimeout, err = getEnvDuration("FETCH_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("parse FETCH_TIMEOUT: %w", err)
	}

	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://localhost:" + port
	}
	if cfg.CloneWSURL == "" {
		ws, err := WebSocketBase(cfg.CloneAPIURL)
		if err != nil {
			return nil, fmt.Errorf("derive CLONE_WS_URL: %w", err)
		}
		cfg.CloneWSURL = ws
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ResultURLMode != ResultURLFromEvent && c.ResultURLMode != ResultURLDerived {
		return fmt.Errorf("RESULT_URL_MODE must be %q or %q", ResultURLFromEvent, ResultURLDerived)
	}
	if c.ChannelErrorGrace < 0 {
		return fmt.Errorf("CHANNEL_ERROR_GRACE must not be negative")
	}
	if _, err := url.ParseRequestURI(c.CloneAPIURL); err != nil {
		return fmt.Errorf("CLONE_API_URL is invalid: %w", err)
	}
	return nil
}

// OverrideCloneAPI points the client at apiURL and derives the matching
// status channel base from it.
func (c *Config) OverrideCloneAPI(apiURL string) error {
	apiURL = strings.TrimRight(strings.TrimSpace(apiURL), "/")
	if _, err := url.ParseRequestURI(apiURL); err != nil {
		return fmt.Errorf("CLONE_API_URL is invalid: %w", err)
	}
	ws, err := WebSocketBase(apiURL)
	if err != nil {
		return fmt.Errorf("derive CLONE_WS_URL: %w", err)
	}
	c.CloneAPIURL = apiURL
	c.CloneWSURL = ws
	return nil
}

// WebSocketBase maps an http(s) base URL onto the matching ws(s) scheme.
func WebSocketBase(apiURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(apiURL))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}

func getEnvCSV(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
