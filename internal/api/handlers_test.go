package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"orderhub/internal/auth"
	"orderhub/internal/cache"
	"orderhub/internal/events"
	"orderhub/internal/integrations"
	"orderhub/internal/integrations/native"
	"orderhub/internal/metrics"
	"orderhub/internal/model"
	"orderhub/internal/orchestrator"
	"orderhub/internal/queue"
	"orderhub/internal/realtime"
	"orderhub/internal/store"
	"orderhub/internal/webhooks"
)

const nativeOrder = `{
  "id": "N-1",
  "businessId": "n-1",
  "status": "%s",
  "deliveryType": "PICKUP",
  "createdAt": "2024-05-01T12:00:00Z",
  "products": [{"id": "p1", "name": "Margherita", "quantity": 1, "unitPrice": "9.50"}],
  "paymentMethod": "cash",
  "total": "9.50"
}`

func orderJSON(status model.Status) string {
	return strings.Replace(nativeOrder, "%s", string(status), 1)
}

// channelCalls records what the fake native backend received.
type channelCalls struct {
	mu    sync.Mutex
	calls []string
}

func (c *channelCalls) add(s string) { c.mu.Lock(); c.calls = append(c.calls, s); c.mu.Unlock() }

func (c *channelCalls) list() []string {
	c.mu.Lock(); defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type testEnv struct {
	srv     *Server
	handler http.Handler
	st      *store.Memory
	biz     model.Business
	channel *channelCalls
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	calls := &channelCalls{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		calls.add(r.Method + " " + r.URL.Path + " " + strings.TrimSpace(string(body)))
		switch r.Method {
		case http.MethodPatch:
			var p struct{ StatusCode int `json:"statusCode"` }
			_ = json.Unmarshal(body, &p)
			st := model.StatusInProgress
			if p.StatusCode == native.CodeRejected { st = model.StatusRejected }
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(orderJSON(st)))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(backend.Close)

	st := store.NewMemory()
	biz, err := st.SaveBusiness(context.Background(), model.Business{
		PublicID:    "biz-1",
		ExternalIDs: map[model.Channel]string{model.ChannelNative: "n-1"},
	})
	if err != nil { t.Fatalf("seed: %v", err) }

	reg := integrations.NewRegistry(native.New(native.Config{BaseURL: backend.URL, Timeout: 5 * time.Second}))
	legacy, authed := realtime.NewHub("legacy", nil), realtime.NewHub("auth", nil)
	n := orchestrator.NewNotifier(realtime.NewDispatcher(realtime.Options{Timeout: 10 * time.Millisecond}, nil), nil, legacy, authed)
	q := queue.New(st, reg, n, nil, queue.Config{}, nil)
	orch := orchestrator.New(orchestrator.Deps{
		Store:    st,
		Adapters: reg,
		Queue:    q,
		Notifier: n,
		Inbox:    webhooksInbox(),
		Events:   events.Nop{},
	}, orchestrator.Config{}, nil)

	s := &Server{Store: st, Orch: orch, Queue: q, Auth: auth.NewVerifier(auth.Config{Mode: "dev"}), Legacy: legacy, Authed: authed}
	return &testEnv{srv: s, handler: s.Routes(), st: st, biz: biz, channel: calls}
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" { rd = bytes.NewReader([]byte(body)) }
	req := httptest.NewRequest(method, path, rd)
	if token != "" { req.Header.Set("Authorization", "Bearer "+token) }
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) token() string { return "business:" + strconv.FormatInt(e.biz.ID, 10) }

// ingest pushes a pending native order through the webhook endpoint.
func (e *testEnv) ingest(t *testing.T) model.Order {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/webhooks/native", "", orderJSON(model.StatusPending))
	if rr.Code != http.StatusOK { t.Fatalf("webhook: got %d", rr.Code) }
	e.srv.Wait()
	o, err := e.st.GetOrderByExternalID(context.Background(), model.ChannelNative, "N-1")
	if err != nil { t.Fatalf("order not stored: %v", err) }
	return o
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodGet, "/healthz", "", "")
	if rr.Code != http.StatusOK { t.Fatalf("health: got %d", rr.Code) }
}

func TestWebhookAlwaysAcknowledged(t *testing.T) {
	e := newTestEnv(t)
	for _, path := range []string{"/webhooks/native", "/webhooks/fax"} {
		rr := e.do(t, http.MethodPost, path, "", "not json")
		if rr.Code != http.StatusOK { t.Fatalf("%s: got %d", path, rr.Code) }
		if !strings.Contains(rr.Body.String(), `"received":true`) { t.Fatalf("%s: body %s", path, rr.Body) }
	}
	e.srv.Wait()
	orders, _ := e.st.FindOrders(context.Background(), store.OrderFilter{})
	if len(orders) != 0 { t.Fatalf("garbage created %d orders", len(orders)) }
}

func TestWebhookStoresOrder(t *testing.T) {
	e := newTestEnv(t)
	o := e.ingest(t)
	if o.Status != model.StatusPending || o.BusinessID != e.biz.ID {
		t.Fatalf("unexpected order %+v", o)
	}
	// redelivery is deduplicated
	e.ingest(t)
	orders, _ := e.st.FindOrders(context.Background(), store.OrderFilter{})
	if len(orders) != 1 { t.Fatalf("want 1 order, got %d", len(orders)) }
}

func TestV1NeedsToken(t *testing.T) {
	e := newTestEnv(t)
	if rr := e.do(t, http.MethodGet, "/v1/orders", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: got %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/v1/orders", "nonsense", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: got %d", rr.Code)
	}
	if ct := e.do(t, http.MethodGet, "/v1/orders", "", "").Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("content type %q", ct)
	}
}

func TestListOrdersScopedToBusiness(t *testing.T) {
	e := newTestEnv(t)
	e.ingest(t)
	rr := e.do(t, http.MethodGet, "/v1/orders?status=PENDING", e.token(), "")
	if rr.Code != http.StatusOK { t.Fatalf("list: got %d", rr.Code) }
	var out struct{ Items []model.Order `json:"items"` }
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil { t.Fatalf("decode: %v", err) }
	if len(out.Items) != 1 { t.Fatalf("want 1 order, got %d", len(out.Items)) }

	rr = e.do(t, http.MethodGet, "/v1/orders", "business:"+strconv.FormatInt(e.biz.ID+1, 10), "")
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if len(out.Items) != 0 { t.Fatalf("other business sees %d orders", len(out.Items)) }
}

func TestAcceptGoesThroughChannel(t *testing.T) {
	e := newTestEnv(t)
	o := e.ingest(t)
	path := "/v1/orders/" + strconv.FormatInt(o.ID, 10) + "/status"

	rr := e.do(t, http.MethodPost, path, "business:"+strconv.FormatInt(e.biz.ID+1, 10), `{"status":"IN_PROGRESS"}`)
	if rr.Code != http.StatusForbidden { t.Fatalf("foreign business: got %d", rr.Code) }

	rr = e.do(t, http.MethodPost, path, e.token(), `{"status":"IN_PROGRESS","preparedInMinutes":15}`)
	if rr.Code != http.StatusOK { t.Fatalf("accept: got %d %s", rr.Code, rr.Body) }
	var got model.Order
	_ = json.Unmarshal(rr.Body.Bytes(), &got)
	if got.Status != model.StatusInProgress { t.Fatalf("status %s", got.Status) }

	calls := e.channel.list()
	if len(calls) != 1 || !strings.HasPrefix(calls[0], "PATCH /orders/N-1") || !strings.Contains(calls[0], `"statusCode":2`) {
		t.Fatalf("channel calls %v", calls)
	}
}

func TestStatusRequestValidation(t *testing.T) {
	e := newTestEnv(t)
	o := e.ingest(t)
	path := "/v1/orders/" + strconv.FormatInt(o.ID, 10) + "/status"
	cases := []struct {
		body string
		want int
	}{
		{`{"status":"EATEN"}`, http.StatusBadRequest},
		{`{"status":"IN_PROGRESS","extra":1}`, http.StatusBadRequest},
		{`{"status":"IN_PROGRESS","preparedInMinutes":-5}`, http.StatusBadRequest},
		{`{"status":"DELIVERED"}`, http.StatusConflict},
		{`{"status":"REJECTED"}`, http.StatusConflict},
	}
	for _, c := range cases {
		if rr := e.do(t, http.MethodPost, path, e.token(), c.body); rr.Code != c.want {
			t.Fatalf("%s: got %d want %d (%s)", c.body, rr.Code, c.want, rr.Body)
		}
	}
	if rr := e.do(t, http.MethodPost, "/v1/orders/999/status", e.token(), `{"status":"IN_PROGRESS"}`); rr.Code != http.StatusNotFound {
		t.Fatalf("missing order: got %d", rr.Code)
	}
	if n := len(e.channel.list()); n != 0 { t.Fatalf("refused requests reached the channel %d times", n) }
}

func TestCloseQueuesReopen(t *testing.T) {
	e := newTestEnv(t)
	path := "/v1/businesses/" + strconv.FormatInt(e.biz.ID, 10)
	until := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	rr := e.do(t, http.MethodPost, path+"/close", e.token(), `{"channel":"native","until":"`+until+`"}`)
	if rr.Code != http.StatusOK { t.Fatalf("close: got %d %s", rr.Code, rr.Body) }
	b, _ := e.st.GetBusiness(context.Background(), e.biz.ID)
	if b.Open[model.ChannelNative] { t.Fatal("business still open") }

	admin := "business:1:admin"
	rr = e.do(t, http.MethodGet, "/v1/admin/queue?kind=availability", admin, "")
	var out struct{ Items []model.QueueItem `json:"items"` }
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if len(out.Items) != 1 || out.Items[0].Key != "biz-1" { t.Fatalf("queue %+v", out.Items) }

	rr = e.do(t, http.MethodPost, path+"/reopen", e.token(), `{"channel":"native"}`)
	if rr.Code != http.StatusOK { t.Fatalf("reopen: got %d", rr.Code) }
	rr = e.do(t, http.MethodGet, "/v1/admin/queue", admin, "")
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if len(out.Items) != 0 { t.Fatalf("reopen left %d items", len(out.Items)) }

	past := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	if rr := e.do(t, http.MethodPost, path+"/close", e.token(), `{"channel":"native","until":"`+past+`"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("past until: got %d", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, path+"/close", e.token(), `{"channel":"marketplace_a"}`); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unlinked channel: got %d", rr.Code)
	}
}

func TestAdminRoutes(t *testing.T) {
	e := newTestEnv(t)
	if rr := e.do(t, http.MethodGet, "/v1/admin/rooms", e.token(), ""); rr.Code != http.StatusForbidden {
		t.Fatalf("merchant on admin route: got %d", rr.Code)
	}
	rr := e.do(t, http.MethodGet, "/v1/admin/debug", "business:1:admin", "")
	if rr.Code != http.StatusOK { t.Fatalf("debug: got %d", rr.Code) }
	var dbg map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &dbg); err != nil { t.Fatalf("decode: %v", err) }
	for _, k := range []string{"build", "time", "rooms", "queue"} {
		if _, ok := dbg[k]; !ok { t.Fatalf("debug missing %q", k) }
	}
	if rr := e.do(t, http.MethodPost, "/v1/admin/queue/nope/reset", "business:1:admin", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("reset unknown: got %d", rr.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	metrics.RegisterDefault()
	e := newTestEnv(t)
	e.do(t, http.MethodGet, "/healthz", "", "")
	rr := e.do(t, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK { t.Fatalf("metrics: got %d", rr.Code) }
	if !strings.Contains(rr.Body.String(), "http_requests_total") { t.Fatalf("request counter missing") }
}

func webhooksInbox() *webhooks.Inbox { return webhooks.NewInbox(cache.NewMemory(), time.Hour) }
