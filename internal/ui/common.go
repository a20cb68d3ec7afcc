package ui

import (
	"errors"
	"fmt"
	"net/http"

	"gitea.jw6.us/james/outlookcal/internal/graph"
	httperrors "gitea.jw6.us/james/outlookcal/internal/http/errors"
)

const outlookItemBase = "https://outlook.office.com/calendar/item/"

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// writeFetchError maps a calendar fetch failure onto the boundary response.
func writeFetchError(w http.ResponseWriter, r *http.Request, err error) {
	var upstream *graph.UpstreamError
	switch {
	case errors.Is(err, graph.ErrUnauthorized):
		httperrors.WriteJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthorized"})
	case errors.As(err, &upstream):
		httperrors.WriteJSON(w, upstream.Status, errorBody{Error: "Graph request failed", Details: upstream.Body})
	default:
		httperrors.LogError(r, "Graph fetch error", err)
		httperrors.WriteJSON(w, http.StatusInternalServerError, errorBody{Error: "Unexpected error"})
	}
}

// render executes a template and writes the response.
func (h *Handler) render(w http.ResponseWriter, r *http.Request, name string, data any) {
	tmpl, ok := h.templates[name]
	if !ok {
		httperrors.InternalError(w, r, fmt.Errorf("template not found"), fmt.Sprintf("template %q not found", name))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, name, data); err != nil {
		httperrors.InternalError(w, r, err, fmt.Sprintf("template render error for %q", name))
	}
}
