package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"orderhub/internal/model"
	"orderhub/internal/statemachine"
	"orderhub/internal/store"
)

// HealthHandler handles GET /healthz
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Store unavailable", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// WebhookHandler handles POST /webhooks/{channel}. The channel always gets a
// 200; the payload is processed after the response so that a slow push never
// triggers the channel's own retries.
func (s *Server) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	ch, err := model.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		s.log().Warn("webhook for unknown channel", zap.String("channel", chi.URLParam(r, "channel")))
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		s.log().Warn("webhook body unreadable", zap.String("channel", string(ch)), zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}
	sig := r.Header.Get("X-Signature")
	timeout := s.WebhookTimeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer cancel()
		// failures are logged and counted by the orchestrator
		_, _ = s.Orch.HandleWebhook(ctx, ch, raw, sig)
	}()
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// ListOrdersHandler handles GET /v1/orders?status=&channel=&limit=&offset=
func (s *Server) ListOrdersHandler(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	q := r.URL.Query()
	f := store.OrderFilter{BusinessID: p.BusinessID}
	if isAdmin(p) {
		f.BusinessID = 0
		if v := q.Get("businessId"); v != "" {
			f.BusinessID, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	if v := q.Get("channel"); v != "" {
		ch, err := model.ParseChannel(v)
		if err != nil { writeProblem(w, http.StatusBadRequest, "Invalid channel", err.Error(), r.URL.Path); return }
		f.Channel = ch
	}
	for _, st := range q["status"] {
		f.Statuses = append(f.Statuses, model.Status(st))
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	items, err := s.Store.FindOrders(r.Context(), f)
	if err != nil { writeError(w, r, err); return }
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type statusRequest struct {
	Status            model.Status `json:"status"`
	Reason            string       `json:"reason,omitempty"`
	PreparedInMinutes int          `json:"preparedInMinutes,omitempty"`
}

// OrderStatusHandler handles POST /v1/orders/{id}/status
func (s *Server) OrderStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok { writeProblem(w, http.StatusBadRequest, "Invalid order id", "", r.URL.Path); return }
	var req statusRequest
	if err := readJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.Status == "" || (req.Status.Rank() < 0 && req.Status != statemachine.TargetConfirmPreorder && req.Status != model.StatusRejected) {
		writeProblem(w, http.StatusBadRequest, "Invalid status", string(req.Status), r.URL.Path)
		return
	}
	if req.PreparedInMinutes < 0 {
		writeProblem(w, http.StatusBadRequest, "Invalid preparation time", "preparedInMinutes must be >= 0", r.URL.Path)
		return
	}
	o, err := s.Store.GetOrder(r.Context(), id)
	if err != nil { writeError(w, r, err); return }
	if !canActFor(principal(r), o.BusinessID) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "order belongs to another business", r.URL.Path)
		return
	}
	updated, err := s.Orch.UpdateStatus(r.Context(), id, statemachine.Request{
		Target:            req.Status,
		Reason:            req.Reason,
		PreparedInMinutes: req.PreparedInMinutes,
	})
	if err != nil { writeError(w, r, err); return }
	writeJSON(w, http.StatusOK, updated)
}

type availabilityRequest struct {
	Channel model.Channel `json:"channel"`
	// Until is optional on close; without it the business stays closed.
	Until *time.Time `json:"until,omitempty"`
}

func (s *Server) availabilityTarget(w http.ResponseWriter, r *http.Request) (int64, availabilityRequest, bool) {
	id, ok := pathID(r)
	if !ok { writeProblem(w, http.StatusBadRequest, "Invalid business id", "", r.URL.Path); return 0, availabilityRequest{}, false }
	if !canActFor(principal(r), id) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "not your business", r.URL.Path)
		return 0, availabilityRequest{}, false
	}
	var req availabilityRequest
	if err := readJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return 0, availabilityRequest{}, false
	}
	ch, err := model.ParseChannel(string(req.Channel))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid channel", err.Error(), r.URL.Path)
		return 0, availabilityRequest{}, false
	}
	req.Channel = ch
	return id, req, true
}

// CloseBusinessHandler handles POST /v1/businesses/{id}/close
func (s *Server) CloseBusinessHandler(w http.ResponseWriter, r *http.Request) {
	id, req, ok := s.availabilityTarget(w, r)
	if !ok { return }
	var until time.Time
	if req.Until != nil {
		if !req.Until.After(time.Now()) {
			writeProblem(w, http.StatusBadRequest, "Invalid until", "until must be in the future", r.URL.Path)
			return
		}
		until = *req.Until
	}
	b, err := s.Orch.CloseBusiness(r.Context(), id, req.Channel, until)
	if err != nil { writeError(w, r, err); return }
	writeJSON(w, http.StatusOK, b)
}

// ReopenBusinessHandler handles POST /v1/businesses/{id}/reopen
func (s *Server) ReopenBusinessHandler(w http.ResponseWriter, r *http.Request) {
	id, req, ok := s.availabilityTarget(w, r)
	if !ok { return }
	b, err := s.Orch.ReopenBusiness(r.Context(), id, req.Channel)
	if err != nil { writeError(w, r, err); return }
	writeJSON(w, http.StatusOK, b)
}

// SyncHandler handles POST /v1/businesses/{id}/sync?channel=
func (s *Server) SyncHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok { writeProblem(w, http.StatusBadRequest, "Invalid business id", "", r.URL.Path); return }
	if !canActFor(principal(r), id) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "not your business", r.URL.Path)
		return
	}
	ch, err := model.ParseChannel(r.URL.Query().Get("channel"))
	if err != nil { writeProblem(w, http.StatusBadRequest, "Invalid channel", err.Error(), r.URL.Path); return }
	out, err := s.Orch.SyncOrders(r.Context(), ch, []int64{id})
	if err != nil { writeError(w, r, err); return }
	counts := map[string]int{}
	for _, o := range out {
		counts[o.Kind]++
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": ch, "orders": len(out), "outcomes": counts})
}

// QueueItemsHandler handles GET /v1/admin/queue?kind=
func (s *Server) QueueItemsHandler(w http.ResponseWriter, r *http.Request) {
	kind := model.QueueKind(r.URL.Query().Get("kind"))
	switch kind {
	case "", model.QueueAvailability, model.QueuePreorder:
	default:
		writeProblem(w, http.StatusBadRequest, "Invalid kind", string(kind), r.URL.Path)
		return
	}
	items, err := s.Queue.Items(r.Context(), kind)
	if err != nil { writeError(w, r, err); return }
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// QueueResetHandler handles POST /v1/admin/queue/{id}/reset
func (s *Server) QueueResetHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Queue.ResetItem(r.Context(), id); err != nil { writeError(w, r, err); return }
	s.log().Info("queue item reset", zap.String("item", id), zap.Int64("by", principal(r).BusinessID))
	w.WriteHeader(http.StatusNoContent)
}

// RoomsHandler handles GET /v1/admin/rooms
func (s *Server) RoomsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"legacy":        s.Legacy.ActiveRooms(),
		"authenticated": s.Authed.ActiveRooms(),
	})
}
