package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultRedirectPath is the OAuth callback path used when APP_OAUTH_REDIRECT_PATH is unset.
const DefaultRedirectPath = "/auth/callback"

type Config struct {
	ListenAddr string
	BaseURL    string

	Microsoft struct {
		ClientID     string
		ClientSecret string
		TenantID     string
		AuthorityURL string
		GraphBaseURL string
	}

	OAuth struct {
		RedirectPath string
	}

	Session struct {
		Secret string
		Store  string
		MaxAge time.Duration
	}

	DB struct {
		DSN string
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	HTTPClientTimeout time.Duration
	GraphRateLimit    float64
	GraphRateBurst    int

	Log struct {
		Level  string
		Format string
	}

	PrometheusEnabled bool
	TrustedProxies    []string

	// Warnings are non-fatal problems found while loading; the caller logs them.
	Warnings []string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first without overriding variables that are already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads configuration from the process environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = strings.TrimRight(getenvDefault("APP_BASE_URL", "http://localhost:8080"), "/")

	cfg.Microsoft.ClientID = os.Getenv("MS_CLIENT_ID")
	cfg.Microsoft.ClientSecret = os.Getenv("MS_CLIENT_SECRET")
	cfg.Microsoft.TenantID = getenvDefault("MS_TENANT_ID", "common")
	cfg.Microsoft.AuthorityURL = getenvDefault("MS_AUTHORITY_URL", "https://login.microsoftonline.com")
	cfg.Microsoft.GraphBaseURL = getenvDefault("MS_GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0")
	cfg.OAuth.RedirectPath = getenvDefault("APP_OAUTH_REDIRECT_PATH", DefaultRedirectPath)

	cfg.Session.Secret = os.Getenv("APP_SESSION_SECRET")
	cfg.Session.Store = strings.ToLower(getenvDefault("APP_SESSION_STORE", "memory"))

	var err error
	if cfg.Session.MaxAge, err = getenvDuration("APP_SESSION_MAX_AGE", 720*time.Hour); err != nil {
		return nil, err
	}
	if cfg.HTTPClientTimeout, err = getenvDuration("APP_HTTP_CLIENT_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.GraphRateLimit, err = getenvFloat("APP_GRAPH_RATE_LIMIT", 10); err != nil {
		return nil, err
	}
	if cfg.GraphRateBurst, err = getenvInt("APP_GRAPH_RATE_BURST", 15); err != nil {
		return nil, err
	}

	cfg.DB.DSN = os.Getenv("APP_DB_DSN")
	if cfg.DB.DSN == "" {
		cfg.DB.DSN = dsnFromParts()
	}

	cfg.Redis.Addr = getenvDefault("APP_REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = os.Getenv("APP_REDIS_PASSWORD")
	if cfg.Redis.DB, err = getenvInt("APP_REDIS_DB", 0); err != nil {
		return nil, err
	}

	cfg.Log.Level = getenvDefault("APP_LOG_LEVEL", "info")
	cfg.Log.Format = strings.ToLower(getenvDefault("APP_LOG_FORMAT", "text"))
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	if cfg.Session.Secret == "" {
		return nil, errors.New("APP_SESSION_SECRET is required")
	}
	if len(cfg.Session.Secret) < 32 {
		return nil, fmt.Errorf("APP_SESSION_SECRET must be at least 32 characters long (got %d)", len(cfg.Session.Secret))
	}
	switch cfg.Session.Store {
	case "memory", "redis":
	case "postgres":
		if cfg.DB.DSN == "" {
			return nil, errors.New("APP_SESSION_STORE=postgres requires APP_DB_DSN (or APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
		}
	default:
		return nil, fmt.Errorf("APP_SESSION_STORE must be memory, postgres or redis (got %q)", cfg.Session.Store)
	}
	if cfg.Session.MaxAge <= 0 {
		return nil, errors.New("APP_SESSION_MAX_AGE must be positive")
	}
	if cfg.HTTPClientTimeout <= 0 {
		return nil, errors.New("APP_HTTP_CLIENT_TIMEOUT must be positive")
	}
	if !strings.HasPrefix(cfg.OAuth.RedirectPath, "/") {
		return nil, fmt.Errorf("APP_OAUTH_REDIRECT_PATH must start with / (got %q)", cfg.OAuth.RedirectPath)
	}
	switch cfg.OAuth.RedirectPath {
	case "/", "/healthz", "/readyz", "/metrics", "/auth/login", "/auth/logout":
		return nil, fmt.Errorf("APP_OAUTH_REDIRECT_PATH %q collides with a built-in route", cfg.OAuth.RedirectPath)
	}
	if strings.HasPrefix(cfg.OAuth.RedirectPath, "/api/") {
		return nil, fmt.Errorf("APP_OAUTH_REDIRECT_PATH %q collides with the API routes", cfg.OAuth.RedirectPath)
	}
	if cfg.GraphRateLimit <= 0 {
		return nil, fmt.Errorf("APP_GRAPH_RATE_LIMIT must be positive (got %v)", cfg.GraphRateLimit)
	}
	if cfg.GraphRateBurst < 1 {
		return nil, fmt.Errorf("APP_GRAPH_RATE_BURST must be at least 1 (got %d)", cfg.GraphRateBurst)
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return nil, fmt.Errorf("APP_LOG_FORMAT must be text or json (got %q)", cfg.Log.Format)
	}

	if cfg.Microsoft.ClientID == "" || cfg.Microsoft.ClientSecret == "" {
		cfg.Warnings = append(cfg.Warnings, "MS_CLIENT_ID or MS_CLIENT_SECRET is not set; sign-in and token refresh will fail.")
	}
	if len(cfg.TrustedProxies) == 0 {
		cfg.Warnings = append(cfg.Warnings, "No APP_TRUSTED_PROXIES configured. outlookcal will ignore X-Forwarded-For when rate limiting.")
	}

	return cfg, nil
}

// RedirectURL is the absolute OAuth callback URL registered with Microsoft.
func (c *Config) RedirectURL() string {
	return c.BaseURL + c.OAuth.RedirectPath
}

// SecureCookies reports whether cookies should carry the Secure attribute.
func (c *Config) SecureCookies() bool {
	return strings.HasPrefix(strings.ToLower(c.BaseURL), "https://")
}

func dsnFromParts() string {
	host := os.Getenv("APP_DB_HOST")
	name := os.Getenv("APP_DB_NAME")
	user := os.Getenv("APP_DB_USER")
	password := os.Getenv("APP_DB_PASSWORD")
	port := getenvDefault("APP_DB_PORT", "5432")
	sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

	if host == "" || name == "" || user == "" || password == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	return d, nil
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	return n, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, v, err)
	}
	return f, nil
}
