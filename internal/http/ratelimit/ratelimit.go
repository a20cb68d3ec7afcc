package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	httperrors "gitea.jw6.us/james/outlookcal/internal/http/errors"
)

const defaultMaxClients = 10000

// IPLimiter throttles requests per client address.
type IPLimiter struct {
	mu      sync.Mutex
	clients map[string]*client

	limit      rate.Limit
	burst      int
	idle       time.Duration
	maxClients int
	proxies    []*net.IPNet
	clock      clockwork.Clock
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Config configures an IPLimiter.
type Config struct {
	Limit rate.Limit
	Burst int
	// Idle is how long a client may be silent before its bucket is dropped.
	Idle time.Duration
	// TrustedProxies lists CIDRs or bare IPs whose X-Forwarded-For header is
	// believed. With none configured the peer address is always used.
	TrustedProxies []string
	Clock          clockwork.Clock
}

func New(cfg Config) *IPLimiter {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Idle <= 0 {
		cfg.Idle = 5 * time.Minute
	}
	return &IPLimiter{
		clients:    make(map[string]*client),
		limit:      cfg.Limit,
		burst:      cfg.Burst,
		idle:       cfg.Idle,
		maxClients: defaultMaxClients,
		proxies:    parseProxies(cfg.TrustedProxies),
		clock:      cfg.Clock,
	}
}

func parseProxies(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, ipnet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 128
		if ip.To4() != nil {
			ip = ip.To4()
			bits = 32
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// Allow consumes one token for key.
func (l *IPLimiter) Allow(key string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= l.maxClients {
			l.evictOldestLocked()
		}
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (l *IPLimiter) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, c := range l.clients {
		if oldestKey == "" || c.lastSeen.Before(oldest) {
			oldestKey, oldest = key, c.lastSeen
		}
	}
	delete(l.clients, oldestKey)
}

// Sweep drops clients idle for longer than the configured window.
func (l *IPLimiter) Sweep() int {
	cutoff := l.clock.Now().Add(-l.idle)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// Run sweeps idle clients until ctx is done.
func (l *IPLimiter) Run(ctx context.Context) {
	ticker := l.clock.NewTicker(l.idle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			l.Sweep()
		}
	}
}

func (l *IPLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(l.ClientIP(r)) {
				w.Header().Set("Retry-After", "1")
				httperrors.WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the address requests from r are accounted against.
func (l *IPLimiter) ClientIP(r *http.Request) string {
	peer := peerIP(r.RemoteAddr)
	if peer == nil {
		return r.RemoteAddr
	}
	if !l.trusted(peer) {
		return peer.String()
	}

	// Walk X-Forwarded-For from the right, skipping our own proxies.
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip == nil {
			continue
		}
		if !l.trusted(ip) {
			return ip.String()
		}
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	return peer.String()
}

func (l *IPLimiter) trusted(ip net.IP) bool {
	for _, ipnet := range l.proxies {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

func peerIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}
