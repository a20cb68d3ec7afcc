package ui

import (
	"bytes"
	"context"
	"html/template"
	"net/http"

	"github.com/jonboulle/clockwork"

	"gitea.jw6.us/james/outlookcal/internal/auth"
	"gitea.jw6.us/james/outlookcal/internal/graph"
	"gitea.jw6.us/james/outlookcal/internal/http/csrf"
	httperrors "gitea.jw6.us/james/outlookcal/internal/http/errors"
	"gitea.jw6.us/james/outlookcal/internal/ics"
	"gitea.jw6.us/james/outlookcal/internal/store"
)

// EventFetcher reads the signed-in user's calendar.
type EventFetcher interface {
	FetchEvents(ctx context.Context, accessToken string) ([]graph.Event, error)
}

// Handler serves the calendar page and its JSON endpoints.
type Handler struct {
	events    EventFetcher
	clock     clockwork.Clock
	templates map[string]*template.Template
}

func NewHandler(events EventFetcher, clock clockwork.Clock) *Handler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handler{events: events, clock: clock, templates: templates}
}

type userView struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func viewOf(s *store.Session) *userView {
	if s == nil {
		return nil
	}
	return &userView{Name: s.Name, Email: s.Email}
}

// Dashboard renders the calendar page. Events are loaded client-side.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	session, ok := auth.SessionFromContext(r.Context())

	data := map[string]any{
		"Title":         "Outlook Calendar",
		"Authenticated": ok,
		"NeedsReauth":   ok && !session.Token.Usable(),
		"CSRFToken":     csrf.TokenFromContext(r.Context()),
	}
	if ok {
		data["User"] = viewOf(session)
		data["SessionExpires"] = session.ExpiresAt
	}

	w.Header().Set("Cache-Control", "no-store")
	h.render(w, r, "index.html", data)
}

type eventsResponse struct {
	Events []graph.Event `json:"events"`
}

// OutlookEvents serves GET /api/calendar/outlook.
func (h *Handler) OutlookEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	events, err := h.fetch(r)
	if err != nil {
		writeFetchError(w, r, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, eventsResponse{Events: events})
}

// OutlookEventsICS serves the same events as an iCalendar download.
func (h *Handler) OutlookEventsICS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	events, err := h.fetch(r)
	if err != nil {
		writeFetchError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := ics.Encode(&buf, events, h.clock.Now()); err != nil {
		httperrors.LogError(r, "iCalendar encode error", err)
		httperrors.WriteJSON(w, http.StatusInternalServerError, errorBody{Error: "Unexpected error"})
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="outlook.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

type sessionStatus struct {
	Authenticated bool      `json:"authenticated"`
	Error         string    `json:"error,omitempty"`
	User          *userView `json:"user,omitempty"`
}

// SessionStatus reports whether the caller is signed in and whether the
// stored token still works.
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	session, ok := auth.SessionFromContext(r.Context())
	if !ok {
		httperrors.WriteJSON(w, http.StatusOK, sessionStatus{})
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, sessionStatus{
		Authenticated: true,
		Error:         string(session.Token.Error),
		User:          viewOf(session),
	})
}

func (h *Handler) fetch(r *http.Request) ([]graph.Event, error) {
	session, ok := auth.SessionFromContext(r.Context())
	if !ok || !session.Token.Usable() {
		return nil, graph.ErrUnauthorized
	}
	return h.events.FetchEvents(r.Context(), session.Token.AccessToken)
}
