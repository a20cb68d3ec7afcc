package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/outlookcal/internal/auth"
	"gitea.jw6.us/james/outlookcal/internal/auth/oauth"
	"gitea.jw6.us/james/outlookcal/internal/config"
	"gitea.jw6.us/james/outlookcal/internal/graph"
	"gitea.jw6.us/james/outlookcal/internal/http/csrf"
	"gitea.jw6.us/james/outlookcal/internal/http/ratelimit"
	"gitea.jw6.us/james/outlookcal/internal/store"
	"gitea.jw6.us/james/outlookcal/internal/ui"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var testNow = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	handler http.Handler
	st      *store.Store
	cookies *auth.SessionManager
	clock   clockwork.FakeClock

	tokenCalls atomic.Int32
	graphCalls atomic.Int32
	graphAuth  atomic.Value

	tokenHandler http.HandlerFunc
	graphHandler http.HandlerFunc
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	log := logrus.New()
	log.Out = io.Discard

	ts := &testServer{clock: clockwork.NewFakeClockAt(testNow)}
	ts.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}
	ts.graphHandler = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value":[]}`))
	}

	identity := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.tokenCalls.Add(1)
		ts.tokenHandler(w, r)
	}))
	t.Cleanup(identity.Close)
	graphSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.graphCalls.Add(1)
		ts.graphAuth.Store(r.Header.Get("Authorization"))
		ts.graphHandler(w, r)
	}))
	t.Cleanup(graphSrv.Close)

	if cfg == nil {
		cfg = &config.Config{BaseURL: "http://localhost:8080"}
	}

	provider := oauth.NewMicrosoft(oauth.MicrosoftConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AuthorityURL: identity.URL,
		RedirectURL:  cfg.BaseURL + callbackPath(cfg),
		HTTPClient:   identity.Client(),
		Clock:        ts.clock,
	})
	validator := oauth.NewValidator(oauth.ValidatorConfig{Refresher: provider, Clock: ts.clock, Log: log})

	var err error
	ts.cookies, err = auth.NewSessionManager(testSecret, time.Hour, false)
	require.NoError(t, err)
	ts.st = store.NewMemory(ts.clock)

	authService := auth.NewService(auth.ServiceConfig{
		Provider:  provider,
		Validator: validator,
		Sessions:  ts.st.Sessions,
		Cookies:   ts.cookies,
		Clock:     ts.clock,
		Log:       log,
	})
	events := graph.NewClient(graph.Config{BaseURL: graphSrv.URL, HTTPClient: graphSrv.Client(), Log: log})
	limiter := ratelimit.New(ratelimit.Config{Limit: rate.Limit(5), Burst: 10})

	ts.handler = NewRouter(cfg, ts.st, authService, ui.NewHandler(events, ts.clock), limiter, log)
	return ts
}

func (ts *testServer) signIn(t *testing.T, rec oauth.Record) *http.Cookie {
	t.Helper()
	_, err := ts.st.Sessions.Create(context.Background(), store.Session{
		ID:         "sess-1",
		Subject:    "user-1",
		Name:       "Ada Lovelace",
		Email:      "ada@example.com",
		Token:      rec,
		CreatedAt:  testNow,
		ExpiresAt:  testNow.Add(24 * time.Hour),
		LastSeenAt: testNow,
	})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	require.NoError(t, ts.cookies.Issue(rr, "sess-1"))
	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func (ts *testServer) get(path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "203.0.113.5:1234"
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) storedToken(t *testing.T) oauth.Record {
	t.Helper()
	session, err := ts.st.Sessions.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	return session.Token
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestCalendarEndpoint(t *testing.T) {
	t.Run("CachedTokenSkipsRefresh", func(t *testing.T) {
		ts := newTestServer(t, nil)
		cookie := ts.signIn(t, oauth.Record{
			AccessToken:  "cached",
			RefreshToken: "refresh-1",
			ExpiresAt:    testNow.Add(10 * time.Minute),
		})

		rr := ts.get("/api/calendar/outlook", cookie)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, map[string]any{"events": []any{}}, decodeBody(t, rr))
		assert.Zero(t, ts.tokenCalls.Load())
		assert.Equal(t, int32(1), ts.graphCalls.Load())
		assert.Equal(t, "Bearer cached", ts.graphAuth.Load())
	})

	t.Run("ExpiredTokenIsRefreshed", func(t *testing.T) {
		ts := newTestServer(t, nil)
		ts.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
			assert.Equal(t, "refresh-1", r.PostForm.Get("refresh_token"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"new","expires_in":3600}`))
		}
		cookie := ts.signIn(t, oauth.Record{
			AccessToken:  "old",
			RefreshToken: "refresh-1",
			ExpiresAt:    testNow.Add(-time.Minute),
		})

		rr := ts.get("/api/calendar/outlook", cookie)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, int32(1), ts.tokenCalls.Load())
		assert.Equal(t, "Bearer new", ts.graphAuth.Load())

		rec := ts.storedToken(t)
		assert.Equal(t, "new", rec.AccessToken)
		assert.Equal(t, "refresh-1", rec.RefreshToken)
		assert.True(t, rec.ExpiresAt.Equal(testNow.Add(time.Hour)))
		assert.Empty(t, rec.Error)
	})

	t.Run("RefreshRejectedReturnsUnauthorized", func(t *testing.T) {
		ts := newTestServer(t, nil)
		ts.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		}
		cookie := ts.signIn(t, oauth.Record{
			AccessToken:  "old",
			RefreshToken: "refresh-1",
			ExpiresAt:    testNow.Add(-time.Minute),
		})

		rr := ts.get("/api/calendar/outlook", cookie)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, map[string]any{"error": "Unauthorized"}, decodeBody(t, rr))
		assert.Zero(t, ts.graphCalls.Load())

		rec := ts.storedToken(t)
		assert.Equal(t, "old", rec.AccessToken)
		assert.Equal(t, oauth.RefreshAccessTokenError, rec.Error)

		// The flag is sticky: later requests neither refresh nor call Graph.
		rr = ts.get("/api/calendar/outlook", cookie)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, int32(1), ts.tokenCalls.Load())
		assert.Zero(t, ts.graphCalls.Load())

		status := decodeBody(t, ts.get("/api/session", cookie))
		assert.Equal(t, "RefreshAccessTokenError", status["error"])
	})

	t.Run("UpstreamFailurePassesThrough", func(t *testing.T) {
		ts := newTestServer(t, nil)
		ts.graphHandler = func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("service unavailable"))
		}
		cookie := ts.signIn(t, oauth.Record{
			AccessToken:  "cached",
			RefreshToken: "refresh-1",
			ExpiresAt:    testNow.Add(10 * time.Minute),
		})

		rr := ts.get("/api/calendar/outlook", cookie)

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, map[string]any{"error": "Graph request failed", "details": "service unavailable"}, decodeBody(t, rr))
	})

	t.Run("NoCookie", func(t *testing.T) {
		ts := newTestServer(t, nil)
		rr := ts.get("/api/calendar/outlook")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Zero(t, ts.graphCalls.Load())
	})
}

func TestOperationalRoutes(t *testing.T) {
	testCases := []struct {
		name       string
		cfg        *config.Config
		path       string
		wantStatus int
	}{
		{name: "Healthz", path: "/healthz", wantStatus: http.StatusOK},
		{name: "Readyz", path: "/readyz", wantStatus: http.StatusOK},
		{name: "MetricsDisabled", path: "/metrics", wantStatus: http.StatusNotFound},
		{
			name:       "MetricsEnabled",
			cfg:        &config.Config{BaseURL: "http://localhost:8080", PrometheusEnabled: true},
			path:       "/metrics",
			wantStatus: http.StatusOK,
		},
		{name: "Dashboard", path: "/", wantStatus: http.StatusOK},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, tc.cfg)
			rr := ts.get(tc.path)
			assert.Equal(t, tc.wantStatus, rr.Code)
		})
	}
}

func TestLoginRedirectsToAuthority(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.get("/auth/login")

	require.Equal(t, http.StatusFound, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(loc.Path, "/common/oauth2/v2.0/authorize"))
	assert.NotEmpty(t, loc.Query().Get("state"))
	assert.Equal(t, "S256", loc.Query().Get("code_challenge_method"))
}

func TestCallbackServedAtConfiguredPath(t *testing.T) {
	cfg := &config.Config{BaseURL: "http://localhost:8080"}
	cfg.OAuth.RedirectPath = "/oauth/callback"
	ts := newTestServer(t, cfg)

	// No pending login, so the callback handler answers 400.
	rr := ts.get("/oauth/callback?code=x&state=y")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.get("/auth/callback?code=x&state=y")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCallbackDefaultPath(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.get("/auth/callback?code=x&state=y")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLogoutRequiresCSRF(t *testing.T) {
	ts := newTestServer(t, nil)
	cookie := ts.signIn(t, oauth.Record{AccessToken: "a", RefreshToken: "r", ExpiresAt: testNow.Add(time.Hour)})
	csrfCookie := &http.Cookie{Name: csrf.CookieName, Value: "csrf-token"}

	post := func(token string) *httptest.ResponseRecorder {
		form := url.Values{}
		if token != "" {
			form.Set(csrf.FormField, token)
		}
		req := httptest.NewRequest(http.MethodPost, "/auth/logout", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.RemoteAddr = "203.0.113.5:1234"
		req.AddCookie(cookie)
		req.AddCookie(csrfCookie)
		rr := httptest.NewRecorder()
		ts.handler.ServeHTTP(rr, req)
		return rr
	}

	rr := post("")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	_, err := ts.st.Sessions.Get(context.Background(), "sess-1")
	require.NoError(t, err)

	rr = post("csrf-token")
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	_, err = ts.st.Sessions.Get(context.Background(), "sess-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
