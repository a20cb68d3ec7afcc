package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var configKeys = []string{
	"APP_LISTEN_ADDR", "APP_BASE_URL", "APP_OAUTH_REDIRECT_PATH",
	"MS_CLIENT_ID", "MS_CLIENT_SECRET", "MS_TENANT_ID", "MS_AUTHORITY_URL", "MS_GRAPH_BASE_URL",
	"APP_SESSION_SECRET", "APP_SESSION_STORE", "APP_SESSION_MAX_AGE",
	"APP_DB_DSN", "APP_DB_HOST", "APP_DB_NAME", "APP_DB_USER", "APP_DB_PASSWORD", "APP_DB_PORT", "APP_DB_SSLMODE",
	"APP_REDIS_ADDR", "APP_REDIS_PASSWORD", "APP_REDIS_DB",
	"APP_HTTP_CLIENT_TIMEOUT", "APP_GRAPH_RATE_LIMIT", "APP_GRAPH_RATE_BURST",
	"APP_LOG_LEVEL", "APP_LOG_FORMAT", "APP_PROMETHEUS_ENDPOINT_ENABLED", "APP_TRUSTED_PROXIES",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_SESSION_SECRET", testSecret)

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:8080", cfg.BaseURL)
	assert.Equal(t, "common", cfg.Microsoft.TenantID)
	assert.Equal(t, "https://login.microsoftonline.com", cfg.Microsoft.AuthorityURL)
	assert.Equal(t, "https://graph.microsoft.com/v1.0", cfg.Microsoft.GraphBaseURL)
	assert.Equal(t, "http://localhost:8080/auth/callback", cfg.RedirectURL())
	assert.Equal(t, "memory", cfg.Session.Store)
	assert.Equal(t, 720*time.Hour, cfg.Session.MaxAge)
	assert.Equal(t, 15*time.Second, cfg.HTTPClientTimeout)
	assert.Equal(t, 10.0, cfg.GraphRateLimit)
	assert.Equal(t, 15, cfg.GraphRateBurst)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.False(t, cfg.PrometheusEnabled)
	assert.False(t, cfg.SecureCookies())
}

func TestFromEnvMissingCredentialsWarns(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_SESSION_SECRET", testSecret)

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Len(t, cfg.Warnings, 2)
	assert.Contains(t, cfg.Warnings[0], "MS_CLIENT_ID")

	t.Setenv("MS_CLIENT_ID", "id")
	t.Setenv("MS_CLIENT_SECRET", "secret")
	t.Setenv("APP_TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.1")
	cfg, err = FromEnv()
	require.NoError(t, err)
	assert.Empty(t, cfg.Warnings)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.1"}, cfg.TrustedProxies)
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_SESSION_SECRET", testSecret)
	t.Setenv("APP_BASE_URL", "https://cal.example.com/")
	t.Setenv("MS_TENANT_ID", "contoso.onmicrosoft.com")
	t.Setenv("APP_SESSION_STORE", "Redis")
	t.Setenv("APP_REDIS_DB", "2")
	t.Setenv("APP_SESSION_MAX_AGE", "24h")
	t.Setenv("APP_HTTP_CLIENT_TIMEOUT", "3s")
	t.Setenv("APP_GRAPH_RATE_LIMIT", "2.5")
	t.Setenv("APP_LOG_FORMAT", "JSON")
	t.Setenv("APP_PROMETHEUS_ENDPOINT_ENABLED", "yes")
	t.Setenv("APP_OAUTH_REDIRECT_PATH", "/oauth/callback")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "https://cal.example.com", cfg.BaseURL)
	assert.Equal(t, "https://cal.example.com/oauth/callback", cfg.RedirectURL())
	assert.True(t, cfg.SecureCookies())
	assert.Equal(t, "contoso.onmicrosoft.com", cfg.Microsoft.TenantID)
	assert.Equal(t, "redis", cfg.Session.Store)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 24*time.Hour, cfg.Session.MaxAge)
	assert.Equal(t, 3*time.Second, cfg.HTTPClientTimeout)
	assert.Equal(t, 2.5, cfg.GraphRateLimit)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.PrometheusEnabled)
}

func TestFromEnvPostgresDSN(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_SESSION_SECRET", testSecret)
	t.Setenv("APP_SESSION_STORE", "postgres")

	_, err := FromEnv()
	require.ErrorContains(t, err, "APP_DB_DSN")

	t.Setenv("APP_DB_HOST", "db")
	t.Setenv("APP_DB_NAME", "outlookcal")
	t.Setenv("APP_DB_USER", "app")
	t.Setenv("APP_DB_PASSWORD", "pw")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "postgres://app:pw@db:5432/outlookcal?sslmode=disable", cfg.DB.DSN)
}

func TestFromEnvValidation(t *testing.T) {
	cases := map[string]map[string]string{
		"MissingSecret": {},
		"ShortSecret":   {"APP_SESSION_SECRET": "short"},
		"UnknownStore":  {"APP_SESSION_SECRET": testSecret, "APP_SESSION_STORE": "etcd"},
		"BadDuration":   {"APP_SESSION_SECRET": testSecret, "APP_HTTP_CLIENT_TIMEOUT": "soon"},
		"BadBurst":      {"APP_SESSION_SECRET": testSecret, "APP_GRAPH_RATE_BURST": "many"},
		"BadLogFormat":  {"APP_SESSION_SECRET": testSecret, "APP_LOG_FORMAT": "xml"},
		"NegativeAge":   {"APP_SESSION_SECRET": testSecret, "APP_SESSION_MAX_AGE": "-1h"},
		"ZeroBurst":     {"APP_SESSION_SECRET": testSecret, "APP_GRAPH_RATE_BURST": "0"},
		"ZeroRate":      {"APP_SESSION_SECRET": testSecret, "APP_GRAPH_RATE_LIMIT": "0"},
		"NegativeRate":  {"APP_SESSION_SECRET": testSecret, "APP_GRAPH_RATE_LIMIT": "-2.5"},
		"RelativePath":  {"APP_SESSION_SECRET": testSecret, "APP_OAUTH_REDIRECT_PATH": "callback"},
		"ApiPath":       {"APP_SESSION_SECRET": testSecret, "APP_OAUTH_REDIRECT_PATH": "/api/callback"},
		"LoginPath":     {"APP_SESSION_SECRET": testSecret, "APP_OAUTH_REDIRECT_PATH": "/auth/login"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			require.Error(t, err)
		})
	}
}
