package oauth

import (
	"encoding/json"
	"time"
)

// RecordError marks a token record that can no longer be trusted.
type RecordError string

// RefreshAccessTokenError is set when exchanging the refresh token failed.
// It stays on the record until the user signs in again.
const RefreshAccessTokenError RecordError = "RefreshAccessTokenError"

// Record is the token state kept for one signed-in user. Its JSON form
// carries accessTokenExpires as milliseconds since the epoch, 0 when unknown.
type Record struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Error        RecordError
}

type recordJSON struct {
	AccessToken        string      `json:"accessToken"`
	RefreshToken       string      `json:"refreshToken"`
	AccessTokenExpires int64       `json:"accessTokenExpires"`
	Error              RecordError `json:"error,omitempty"`
}

// Usable reports whether the access token may be sent to the provider.
func (r Record) Usable() bool {
	return r.Error == "" && r.AccessToken != ""
}

// ExpiryKnown reports whether the provider told us when the token expires.
func (r Record) ExpiryKnown() bool {
	return !r.ExpiresAt.IsZero()
}

// ExpiresAtMillis returns the expiry as milliseconds since the epoch, or 0 when unknown.
func (r Record) ExpiresAtMillis() int64 {
	if !r.ExpiryKnown() {
		return 0
	}
	return r.ExpiresAt.UnixMilli()
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		AccessToken:        r.AccessToken,
		RefreshToken:       r.RefreshToken,
		AccessTokenExpires: r.ExpiresAtMillis(),
		Error:              r.Error,
	})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Record{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		Error:        raw.Error,
	}
	if raw.AccessTokenExpires > 0 {
		r.ExpiresAt = time.UnixMilli(raw.AccessTokenExpires).UTC()
	}
	return nil
}

// Grant is a token endpoint response reduced to the fields we use.
type Grant struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the lifetime in seconds.
	ExpiresIn int64
	// ExpiresInMissing is set when the provider sent no usable expires_in.
	ExpiresInMissing bool
}

// SignIn carries the tokens and identity produced by a completed authorization code flow.
type SignIn struct {
	Record  Record
	Subject string
	Email   string
	Name    string
}
