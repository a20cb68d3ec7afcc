package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"gitea.jw6.us/james/outlookcal/internal/metrics"
)

// DefaultTokenLifetime is assumed when the provider does not report one.
const DefaultTokenLifetime = time.Hour

// ErrNoRefreshToken is returned when a record has nothing to exchange.
var ErrNoRefreshToken = errors.New("oauth: no refresh token")

// Exchanger completes the authorization code flow.
type Exchanger interface {
	AuthCodeURL(state, nonce, verifier string) string
	Exchange(ctx context.Context, code, verifier, nonce string) (*SignIn, error)
}

// Refresher trades a refresh token for a new grant.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Grant, error)
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	Refresher Refresher
	Clock     clockwork.Clock
	Log       logrus.FieldLogger
	// FallbackLifetime applies when a refresh response carries no expires_in.
	FallbackLifetime time.Duration
}

// Validator keeps token records fresh.
type Validator struct {
	refresher Refresher
	clock     clockwork.Clock
	log       logrus.FieldLogger
	fallback  time.Duration
}

// NewValidator builds a Validator, filling defaults for unset fields.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.FallbackLifetime <= 0 {
		cfg.FallbackLifetime = DefaultTokenLifetime
	}
	return &Validator{
		refresher: cfg.Refresher,
		clock:     cfg.Clock,
		log:       cfg.Log,
		fallback:  cfg.FallbackLifetime,
	}
}

// Fresh reports whether rec can be returned as is, without contacting the provider.
func (v *Validator) Fresh(rec Record) bool {
	if rec.Error != "" {
		return true
	}
	return rec.ExpiryKnown() && v.clock.Now().Before(rec.ExpiresAt)
}

// EnsureValid returns a record whose access token is valid, refreshing it when
// the cached one has expired or its expiry is unknown. It never fails: a failed
// refresh comes back as the original record flagged with RefreshAccessTokenError.
// Records that already carry the error flag are returned untouched.
func (v *Validator) EnsureValid(ctx context.Context, rec Record) Record {
	if v.Fresh(rec) {
		return rec
	}

	if rec.RefreshToken == "" {
		return v.fail(rec, ErrNoRefreshToken)
	}
	if v.refresher == nil {
		return v.fail(rec, errors.New("oauth: no refresher configured"))
	}

	grant, err := v.refresher.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		return v.fail(rec, err)
	}
	if grant == nil || grant.AccessToken == "" {
		return v.fail(rec, errors.New("oauth: refresh response carried no access token"))
	}

	// An explicit expires_in, zero included, is trusted as given.
	lifetime := time.Duration(grant.ExpiresIn) * time.Second
	if grant.ExpiresInMissing {
		lifetime = v.fallback
	}

	next := Record{
		AccessToken:  grant.AccessToken,
		RefreshToken: rec.RefreshToken,
		ExpiresAt:    v.clock.Now().Add(lifetime),
	}
	// Rotation is optional; keep the old refresh token when none is returned.
	if grant.RefreshToken != "" {
		next.RefreshToken = grant.RefreshToken
	}

	metrics.ObserveTokenRefresh("success")
	v.log.WithField("expires_at", next.ExpiresAt.UTC().Format(time.RFC3339)).Debug("Refreshed access token")
	return next
}

func (v *Validator) fail(rec Record, err error) Record {
	metrics.ObserveTokenRefresh("failure")
	v.log.WithError(err).Error("Error refreshing access token")

	rec.Error = RefreshAccessTokenError
	return rec
}
