package csrf

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"

	httperrors "gitea.jw6.us/james/outlookcal/internal/http/errors"
)

type contextKey struct{}

const (
	CookieName = "outlookcal_csrf"
	HeaderName = "X-CSRF-Token"
	FormField  = "_csrf"
)

// Middleware implements the double-submit cookie pattern: every response
// carries a token cookie and unsafe methods must echo it back in the
// X-CSRF-Token header or the _csrf form field.
func Middleware(secure bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var token string
			if c, err := r.Cookie(CookieName); err == nil {
				token = c.Value
			}
			if token == "" {
				var err error
				if token, err = newToken(); err != nil {
					httperrors.InternalError(w, r, err, "Failed to issue CSRF token")
					return
				}
				http.SetCookie(w, &http.Cookie{
					Name:     CookieName,
					Value:    token,
					Path:     "/",
					HttpOnly: true,
					Secure:   secure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			if unsafeMethod(r.Method) {
				sent := r.Header.Get(HeaderName)
				if sent == "" {
					sent = r.PostFormValue(FormField)
				}
				if sent == "" || subtle.ConstantTimeCompare([]byte(sent), []byte(token)) != 1 {
					httperrors.LogInfo(r, "Rejected request with missing or invalid CSRF token")
					httperrors.WriteJSON(w, http.StatusForbidden, map[string]string{"error": "Invalid CSRF token"})
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, token)))
		})
	}
}

// TokenFromContext returns the token to embed in rendered forms.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(contextKey{}).(string)
	return token
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func unsafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}
