package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"gitea.jw6.us/james/outlookcal/internal/auth/oauth"
	httperrors "gitea.jw6.us/james/outlookcal/internal/http/errors"
	"gitea.jw6.us/james/outlookcal/internal/logging"
	"gitea.jw6.us/james/outlookcal/internal/store"
)

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Provider   oauth.Exchanger
	Validator  *oauth.Validator
	Sessions   store.SessionRepository
	Cookies    *SessionManager
	Clock      clockwork.Clock
	Log        logrus.FieldLogger
	SessionTTL time.Duration
}

// Service runs the Microsoft sign-in flow and keeps session tokens fresh.
type Service struct {
	provider  oauth.Exchanger
	validator *oauth.Validator
	sessions  store.SessionRepository
	cookies   *SessionManager
	clock     clockwork.Clock
	log       logrus.FieldLogger
	ttl       time.Duration

	refreshes singleflight.Group
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * 24 * time.Hour
	}
	return &Service{
		provider:  cfg.Provider,
		validator: cfg.Validator,
		sessions:  cfg.Sessions,
		cookies:   cfg.Cookies,
		clock:     cfg.Clock,
		log:       cfg.Log,
		ttl:       cfg.SessionTTL,
	}
}

// BeginOAuth starts the authorization code flow with PKCE.
func (s *Service) BeginOAuth(w http.ResponseWriter, r *http.Request) {
	st := loginState{
		State:    oauth2.GenerateVerifier(),
		Nonce:    oauth2.GenerateVerifier(),
		Verifier: oauth2.GenerateVerifier(),
	}
	if err := s.cookies.issueLoginState(w, st); err != nil {
		httperrors.InternalError(w, r, err, "Failed to start sign-in")
		return
	}
	http.Redirect(w, r, s.provider.AuthCodeURL(st.State, st.Nonce, st.Verifier), http.StatusFound)
}

// HandleOAuthCallback completes the OAuth flow and creates a session.
func (s *Service) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	pending, err := s.cookies.consumeLoginState(w, r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "sign-in expired, please try again")
		return
	}
	if providerErr := q.Get("error"); providerErr != "" {
		httperrors.BadRequestError(w, r,
			fmt.Errorf("provider error %s: %s", providerErr, q.Get("error_description")),
			"sign-in was not completed: "+providerErr)
		return
	}
	if subtle.ConstantTimeCompare([]byte(q.Get("state")), []byte(pending.State)) != 1 {
		httperrors.BadRequestError(w, r, errors.New("state mismatch"), "invalid sign-in state")
		return
	}
	code := q.Get("code")
	if code == "" {
		httperrors.BadRequestError(w, r, errors.New("missing code"), "missing authorization code")
		return
	}

	signIn, err := s.provider.Exchange(r.Context(), code, pending.Verifier, pending.Nonce)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("Authorization code exchange failed")
		http.Error(w, "sign-in failed", http.StatusUnauthorized)
		return
	}

	now := s.clock.Now()
	session, err := s.sessions.Create(r.Context(), store.Session{
		ID:         uuid.NewString(),
		Subject:    signIn.Subject,
		Email:      signIn.Email,
		Name:       signIn.Name,
		Token:      signIn.Record,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
		LastSeenAt: now,
	})
	if err != nil {
		httperrors.InternalError(w, r, err, "Failed to create session")
		return
	}
	if err := s.cookies.Issue(w, session.ID); err != nil {
		httperrors.InternalError(w, r, err, "Failed to issue session cookie")
		return
	}

	logging.FromContext(r.Context()).WithField("subject", session.Subject).Info("User signed in")
	http.Redirect(w, r, "/", http.StatusFound)
}

// Logout deletes the server-side session and clears the cookie.
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) {
	if id, ok := s.cookies.CurrentSessionID(r); ok {
		if err := s.sessions.Delete(r.Context(), id); err != nil {
			httperrors.LogError(r, "Failed to delete session", err)
		}
	}
	s.cookies.Clear(w)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// LoadSession attaches the caller's session, with a refreshed token when
// needed, to the request context. Requests without a valid session pass
// through unchanged.
func (s *Service) LoadSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.cookies.CurrentSessionID(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		session, err := s.Session(r.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.cookies.Clear(w)
		case err != nil:
			httperrors.LogError(r, "Failed to load session", err)
		default:
			r = r.WithContext(WithSession(r.Context(), session))
		}
		next.ServeHTTP(w, r)
	})
}

// Session loads a session and ensures its token is valid. Concurrent calls
// for the same id share one store read and at most one refresh exchange.
func (s *Service) Session(ctx context.Context, id string) (*store.Session, error) {
	// Waiters share the leader's work, so one caller going away must not cancel it.
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := s.refreshes.Do(id, func() (any, error) {
		return s.refreshSession(flightCtx, id)
	})
	if err != nil {
		return nil, err
	}
	session := *v.(*store.Session)
	return &session, nil
}

func (s *Service) refreshSession(ctx context.Context, id string) (*store.Session, error) {
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.validator == nil || s.validator.Fresh(session.Token) {
		return session, nil
	}

	next := s.validator.EnsureValid(ctx, session.Token)
	if next.Error != "" {
		s.log.WithField("session_id", id).Warn("Session token could not be refreshed; sign-in required")
	}
	if err := s.sessions.UpdateToken(ctx, id, next); err != nil {
		s.log.WithError(err).WithField("session_id", id).Error("Failed to persist refreshed token")
	}
	session.Token = next
	return session, nil
}
