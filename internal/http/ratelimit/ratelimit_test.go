package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestClientIP(t *testing.T) {
	testCases := []struct {
		name       string
		proxies    []string
		remoteAddr string
		xff        string
		realIP     string
		want       string
	}{
		{
			name:       "NoProxiesIgnoresHeaders",
			remoteAddr: "203.0.113.7:5555",
			xff:        "198.51.100.1",
			want:       "203.0.113.7",
		},
		{
			name:       "UntrustedPeer",
			proxies:    []string{"10.0.0.0/8"},
			remoteAddr: "203.0.113.7:5555",
			xff:        "198.51.100.1",
			want:       "203.0.113.7",
		},
		{
			name:       "TrustedPeerUsesForwardedClient",
			proxies:    []string{"10.0.0.0/8"},
			remoteAddr: "10.1.2.3:443",
			xff:        "198.51.100.1",
			want:       "198.51.100.1",
		},
		{
			name:       "SpoofedLeftmostHopIgnored",
			proxies:    []string{"10.0.0.0/8"},
			remoteAddr: "10.1.2.3:443",
			xff:        "1.1.1.1, 198.51.100.1, 10.9.9.9",
			want:       "198.51.100.1",
		},
		{
			name:       "BareProxyIP",
			proxies:    []string{"192.0.2.10"},
			remoteAddr: "192.0.2.10:8080",
			realIP:     "198.51.100.2",
			want:       "198.51.100.2",
		},
		{
			name:       "OnlyProxyHops",
			proxies:    []string{"10.0.0.0/8"},
			remoteAddr: "10.1.2.3:443",
			xff:        "10.4.4.4",
			want:       "10.1.2.3",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l := New(Config{Limit: 1, Burst: 1, TrustedProxies: tc.proxies})
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			assert.Equal(t, tc.want, l.ClientIP(req))
		})
	}
}

func TestMiddlewareLimitsPerClient(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(Config{Limit: rate.Every(time.Second), Burst: 2, Clock: clock})
	h := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusNoContent, do("203.0.113.1:1"))
	assert.Equal(t, http.StatusNoContent, do("203.0.113.1:2"))
	assert.Equal(t, http.StatusTooManyRequests, do("203.0.113.1:3"))
	assert.Equal(t, http.StatusNoContent, do("203.0.113.2:1"))

	clock.Advance(time.Second)
	assert.Equal(t, http.StatusNoContent, do("203.0.113.1:4"))
}

func TestSweepDropsIdleClients(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(Config{Limit: 1, Burst: 1, Idle: time.Minute, Clock: clock})

	require.True(t, l.Allow("a"))
	clock.Advance(30 * time.Second)
	require.True(t, l.Allow("b"))
	clock.Advance(45 * time.Second)

	assert.Equal(t, 1, l.Sweep())
	assert.Len(t, l.clients, 1)
	assert.Contains(t, l.clients, "b")
}

func TestEvictsOldestAtCapacity(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(Config{Limit: 1, Burst: 1, Clock: clock})
	l.maxClients = 2

	l.Allow("a")
	clock.Advance(time.Second)
	l.Allow("b")
	clock.Advance(time.Second)
	l.Allow("c")

	assert.Len(t, l.clients, 2)
	assert.NotContains(t, l.clients, "a")
}
