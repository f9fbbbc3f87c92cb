package api

import (
	"net/http"
	"time"

	"orderhub/internal/buildinfo"
	"orderhub/internal/model"
)

// DebugJSON handles GET /v1/admin/debug
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	queued := map[model.QueueKind]map[string]int{}
	for _, kind := range []model.QueueKind{model.QueueAvailability, model.QueuePreorder} {
		items, err := s.Queue.Items(r.Context(), kind)
		if err != nil { writeError(w, r, err); return }
		c := map[string]int{"idle": 0, "processing": 0}
		for _, it := range items {
			if it.Processing { c["processing"]++ } else { c["idle"]++ }
		}
		queued[kind] = c
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"rooms": map[string]int{
			"legacy":        len(s.Legacy.ActiveRooms()),
			"authenticated": len(s.Authed.ActiveRooms()),
		},
		"queue": queued,
	})
}
