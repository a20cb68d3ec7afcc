package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const (
	// DefaultAuthorityURL is the Microsoft identity platform host.
	DefaultAuthorityURL = "https://login.microsoftonline.com"
	// DefaultTenant accepts both personal and work accounts.
	DefaultTenant = "common"

	// RefreshScope is requested again on every refresh exchange.
	RefreshScope = "offline_access Calendars.Read User.Read"

	maxTokenResponseBytes = 1 << 20
)

// SignInScopes are requested at the authorize endpoint.
var SignInScopes = []string{oidc.ScopeOpenID, "profile", "email", "offline_access", "Calendars.Read", "User.Read"}

// ErrTokenEndpoint is wrapped by refresh failures reported by the provider.
var ErrTokenEndpoint = errors.New("oauth: token endpoint rejected request")

// MicrosoftConfig configures the Microsoft identity client.
type MicrosoftConfig struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	// AuthorityURL overrides DefaultAuthorityURL, used by tests.
	AuthorityURL string
	RedirectURL  string
	HTTPClient   *http.Client
	Clock        clockwork.Clock
}

// IDTokenVerifier checks a raw ID token and returns its claims.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*IdentityClaims, error)
}

// IdentityClaims are the ID token claims we keep on a session.
type IdentityClaims struct {
	Subject           string `json:"sub"`
	ObjectID          string `json:"oid"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
	Nonce             string `json:"nonce"`
}

// Microsoft talks to the Microsoft identity platform.
type Microsoft struct {
	cfg      MicrosoftConfig
	oauth    *oauth2.Config
	tokenURL string
	clock    clockwork.Clock
	verifier IDTokenVerifier
}

// NewMicrosoft builds an identity client. It performs no network calls; OIDC
// discovery happens lazily on the first sign-in.
func NewMicrosoft(cfg MicrosoftConfig) *Microsoft {
	if cfg.TenantID == "" {
		cfg.TenantID = DefaultTenant
	}
	if cfg.AuthorityURL == "" {
		cfg.AuthorityURL = DefaultAuthorityURL
	}
	cfg.AuthorityURL = strings.TrimRight(cfg.AuthorityURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	endpoint := microsoft.AzureADEndpoint(cfg.TenantID)
	if cfg.AuthorityURL != DefaultAuthorityURL {
		endpoint = oauth2.Endpoint{
			AuthURL:  cfg.AuthorityURL + "/" + cfg.TenantID + "/oauth2/v2.0/authorize",
			TokenURL: cfg.AuthorityURL + "/" + cfg.TenantID + "/oauth2/v2.0/token",
		}
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	m := &Microsoft{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       SignInScopes,
		},
		tokenURL: endpoint.TokenURL,
		clock:    cfg.Clock,
	}
	m.verifier = &oidcVerifier{
		authority:  cfg.AuthorityURL,
		issuer:     cfg.AuthorityURL + "/" + cfg.TenantID + "/v2.0",
		clientID:   cfg.ClientID,
		multi:      isMultiTenant(cfg.TenantID),
		httpClient: cfg.HTTPClient,
	}
	return m
}

// WithVerifier replaces the ID token verifier.
func (m *Microsoft) WithVerifier(v IDTokenVerifier) *Microsoft {
	m.verifier = v
	return m
}

// AuthCodeURL builds the authorize redirect for a new sign-in.
func (m *Microsoft) AuthCodeURL(state, nonce, verifier string) string {
	return m.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("response_mode", "query"),
		oidc.Nonce(nonce),
		oauth2.S256ChallengeOption(verifier),
	)
}

// Exchange trades an authorization code for tokens and verifies the ID token.
func (m *Microsoft) Exchange(ctx context.Context, code, verifier, nonce string) (*SignIn, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.cfg.HTTPClient)
	tok, err := m.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, errors.New("token response carried no id_token")
	}
	claims, err := m.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id token: %w", err)
	}
	if claims.Nonce != nonce {
		return nil, errors.New("id token nonce mismatch")
	}

	rec := Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = m.clock.Now().Add(DefaultTokenLifetime)
	}

	subject := claims.ObjectID
	if subject == "" {
		subject = claims.Subject
	}
	email := claims.Email
	if email == "" {
		email = claims.PreferredUsername
	}

	return &SignIn{Record: rec, Subject: subject, Email: email, Name: claims.Name}, nil
}

type refreshResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresIn    json.RawMessage `json:"expires_in"`
}

// Refresh posts a refresh_token grant to the token endpoint.
func (m *Microsoft) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	form := url.Values{}
	form.Set("client_id", m.cfg.ClientID)
	form.Set("client_secret", m.cfg.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("scope", RefreshScope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrTokenEndpoint, resp.StatusCode, providerErrorCode(body))
	}

	var parsed refreshResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, errors.New("token response carried no access_token")
	}

	expiresIn, ok := parseExpiresIn(parsed.ExpiresIn)
	return &Grant{
		AccessToken:      parsed.AccessToken,
		RefreshToken:     parsed.RefreshToken,
		ExpiresIn:        expiresIn,
		ExpiresInMissing: !ok,
	}, nil
}

// parseExpiresIn accepts both numeric and string encodings of expires_in.
// ok is false when the field is absent, null or unparseable. Negative
// lifetimes are clamped to zero.
func parseExpiresIn(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		n = json.Number(s)
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	if v < 0 {
		v = 0
	}
	return v, true
}

// providerErrorCode extracts the OAuth error code without echoing token material.
func providerErrorCode(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		return "unrecognized error response"
	}
	return payload.Error
}

func isMultiTenant(tenant string) bool {
	switch strings.ToLower(tenant) {
	case "common", "organizations", "consumers":
		return true
	}
	return false
}

// oidcVerifier verifies ID tokens against the tenant's discovery document.
type oidcVerifier struct {
	authority  string
	issuer     string
	clientID   string
	multi      bool
	httpClient *http.Client

	mu       sync.Mutex
	verifier *oidc.IDTokenVerifier
}

func (v *oidcVerifier) Verify(ctx context.Context, rawIDToken string) (*IdentityClaims, error) {
	verifier, err := v.load(ctx)
	if err != nil {
		return nil, err
	}
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}
	var claims IdentityClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode id token claims: %w", err)
	}
	return &claims, nil
}

func (v *oidcVerifier) load(ctx context.Context) (*oidc.IDTokenVerifier, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.verifier != nil {
		return v.verifier, nil
	}

	ctx = oidc.ClientContext(ctx, v.httpClient)
	if v.multi {
		// Multi-tenant discovery documents advertise a templated issuer.
		ctx = oidc.InsecureIssuerURLContext(ctx, v.authority+"/{tenantid}/v2.0")
	}
	provider, err := oidc.NewProvider(ctx, v.issuer)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider: %w", err)
	}
	v.verifier = provider.Verifier(&oidc.Config{
		ClientID:        v.clientID,
		SkipIssuerCheck: v.multi,
	})
	return v.verifier, nil
}
