package errors

import (
	"encoding/json"
	"net/http"

	"gitea.jw6.us/james/outlookcal/internal/logging"
)

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// InternalError logs err and returns a generic 500 to the client.
func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	logging.FromContext(r.Context()).WithError(err).Error(message)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// BadRequestError logs err at warn level and returns clientMessage with a 400.
func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	logging.FromContext(r.Context()).WithError(err).Warn("Bad request")
	http.Error(w, clientMessage, http.StatusBadRequest)
}

func LogError(r *http.Request, message string, err error) {
	logging.FromContext(r.Context()).WithError(err).Error(message)
}

func LogInfo(r *http.Request, message string) {
	logging.FromContext(r.Context()).Info(message)
}
