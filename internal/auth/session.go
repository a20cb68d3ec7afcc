package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/hkdf"
)

const (
	sessionCookieName = "outlookcal_session"
	loginCookieName   = "outlookcal_login"
	loginStateMaxAge  = 10 * time.Minute
)

// ErrNoLoginState is returned when the callback arrives without a pending login.
var ErrNoLoginState = errors.New("no pending login")

// loginState is the pending authorization request kept in a short-lived cookie.
type loginState struct {
	State    string `json:"state"`
	Nonce    string `json:"nonce"`
	Verifier string `json:"verifier"`
}

// SessionManager encodes the session and login cookies. The session cookie
// carries only the session id; tokens stay in the session store.
type SessionManager struct {
	session *securecookie.SecureCookie
	login   *securecookie.SecureCookie
	maxAge  time.Duration
	secure  bool
}

// NewSessionManager derives independent cookie keys from secret.
func NewSessionManager(secret string, maxAge time.Duration, secure bool) (*SessionManager, error) {
	hashKey, err := deriveKey(secret, "outlookcal cookie hash", 64)
	if err != nil {
		return nil, err
	}
	blockKey, err := deriveKey(secret, "outlookcal cookie block", 32)
	if err != nil {
		return nil, err
	}

	session := securecookie.New(hashKey, blockKey)
	session.MaxAge(int(maxAge.Seconds()))
	session.SetSerializer(securecookie.JSONEncoder{})

	login := securecookie.New(hashKey, blockKey)
	login.MaxAge(int(loginStateMaxAge.Seconds()))
	login.SetSerializer(securecookie.JSONEncoder{})

	return &SessionManager{session: session, login: login, maxAge: maxAge, secure: secure}, nil
}

func deriveKey(secret, info string, size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	return key, nil
}

// Issue sets the session cookie for sessionID.
func (m *SessionManager) Issue(w http.ResponseWriter, sessionID string) error {
	encoded, err := m.session.Encode(sessionCookieName, sessionID)
	if err != nil {
		return fmt.Errorf("encode session cookie: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    encoded,
		Path:     "/",
		MaxAge:   int(m.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear removes the session cookie.
func (m *SessionManager) Clear(w http.ResponseWriter) {
	m.expire(w, sessionCookieName)
}

// CurrentSessionID extracts the session id from the request cookie if present and valid.
func (m *SessionManager) CurrentSessionID(r *http.Request) (string, bool) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", false
	}
	var id string
	if err := m.session.Decode(sessionCookieName, c.Value, &id); err != nil || id == "" {
		return "", false
	}
	return id, true
}

func (m *SessionManager) issueLoginState(w http.ResponseWriter, st loginState) error {
	encoded, err := m.login.Encode(loginCookieName, st)
	if err != nil {
		return fmt.Errorf("encode login cookie: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     loginCookieName,
		Value:    encoded,
		Path:     "/",
		MaxAge:   int(loginStateMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// consumeLoginState reads and clears the pending login. Each state is single use.
func (m *SessionManager) consumeLoginState(w http.ResponseWriter, r *http.Request) (*loginState, error) {
	c, err := r.Cookie(loginCookieName)
	if err != nil {
		return nil, ErrNoLoginState
	}
	m.expire(w, loginCookieName)

	var st loginState
	if err := m.login.Decode(loginCookieName, c.Value, &st); err != nil {
		return nil, fmt.Errorf("decode login cookie: %w", err)
	}
	return &st, nil
}

func (m *SessionManager) expire(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
