package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"orderhub/internal/integrations"
	"orderhub/internal/orchestrator"
	"orderhub/internal/queue"
	"orderhub/internal/store"
)

const maxBody = 1 << 20

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeError maps core errors onto problem responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var te *integrations.TransportError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), r.URL.Path)
	case errors.Is(err, orchestrator.ErrTransitionRefused):
		writeProblem(w, http.StatusConflict, "Transition refused", err.Error(), r.URL.Path)
	case errors.Is(err, queue.ErrNoExternalID), errors.Is(err, integrations.ErrUnknownChannel):
		writeProblem(w, http.StatusUnprocessableEntity, "Channel not available", err.Error(), r.URL.Path)
	case errors.As(err, &te):
		writeProblem(w, http.StatusBadGateway, "Channel call failed", err.Error(), r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error(), r.URL.Path)
	}
}
