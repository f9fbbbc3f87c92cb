package native

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderhub/internal/integrations"
	"orderhub/internal/model"
)

const sampleOrder = `{
  "id": "N-1001",
  "businessId": "nb-1",
  "status": "PENDING",
  "deliveryType": "DELIVERY",
  "createdAt": "2024-05-01T12:00:00Z",
  "products": [{"id": "p1", "name": "Margherita", "quantity": 2, "unitPrice": "9,5",
    "options": [{"id": "o1", "name": "Extra cheese", "quantity": 1, "unitPrice": "1.00"}]}],
  "customer": {"name": "Ana", "phone": "+100"},
  "paymentMethod": "card",
  "total": "20"
}`

func testServer(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "secret", Timeout: 5 * time.Second})
}

func TestMapWebhook(t *testing.T) {
	a := New(Config{})
	o, err := a.MapWebhook([]byte(`{"event":"order.created","order":` + sampleOrder + `}`))
	require.NoError(t, err)
	assert.Equal(t, "N-1001", o.ExternalID)
	assert.Equal(t, model.ChannelNative, o.Channel)
	assert.Equal(t, model.StatusPending, o.Status)
	assert.Equal(t, model.DeliveryDelivery, o.DeliveryType)
	assert.Equal(t, model.PaymentCard, o.PaymentMethod)
	assert.Equal(t, "20.00", o.Summary.Total)
	assert.Equal(t, "21.00", o.Summary.Subtotal, "two pizzas with one extra cheese each")
	require.Len(t, o.Products, 1)
	assert.Equal(t, "9.50", o.Products[0].UnitPrice)
	assert.Len(t, o.Products[0].Options, 1)

	bare, err := a.MapWebhook([]byte(sampleOrder))
	require.NoError(t, err)
	assert.Equal(t, o.ExternalID, bare.ExternalID)

	_, err = a.MapWebhook([]byte(`{"id":"x","status":"LOST"}`))
	assert.Error(t, err)
}

func TestUpdateOrderSendsStatusCode(t *testing.T) {
	var got patchRequest
	a := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "secret" {
			t.Errorf("X-API-Key = %q", r.Header.Get("X-API-Key"))
		}
		if r.Method != http.MethodPatch || r.URL.Path != "/orders/N-1001" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"id":"N-1001","status":"IN_PROGRESS","total":"20"}`))
	})
	o, err := a.UpdateOrder(context.Background(), "N-1001", integrations.Update{Status: model.StatusInProgress, PreparedInMinutes: 20})
	require.NoError(t, err)
	assert.Equal(t, CodeInProgress, got.StatusCode)
	assert.Equal(t, 20, got.PreparedInMinutes)
	assert.Equal(t, model.StatusInProgress, o.Status)

	_, err = a.ConfirmPreorder(context.Background(), "N-1001")
	require.NoError(t, err)
	assert.Equal(t, CodeConfirmPreorder, got.StatusCode)

	_, err = a.RejectOrder(context.Background(), "N-1001", "closed")
	require.NoError(t, err)
	assert.Equal(t, CodeRejected, got.StatusCode)
	assert.Equal(t, "closed", got.Reason)
}

func TestGetOrderNotFound(t *testing.T) {
	a := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	})
	_, err := a.GetOrder(context.Background(), "nope")
	assert.ErrorIs(t, err, integrations.ErrNotFound)
	var terr *integrations.TransportError
	assert.True(t, errors.As(err, &terr))
}

func TestListOrdersByStatus(t *testing.T) {
	a := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "PENDING,IN_PROGRESS", r.URL.Query().Get("status"))
		assert.Equal(t, "nb-1,nb-2", r.URL.Query().Get("businessId"))
		w.Write([]byte(`{"orders":[` + sampleOrder + `]}`))
	})
	orders, err := a.ListOrdersByStatus(context.Background(),
		[]model.Status{model.StatusPending, model.StatusInProgress}, []string{"nb-1", "nb-2"})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "nb-1", orders[0].BusinessExternalID)
}

func TestSetAvailability(t *testing.T) {
	var body map[string]any
	a := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/businesses/nb-1/availability", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	})
	until := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, a.SetAvailability(context.Background(), "nb-1", false, &until))
	assert.Equal(t, false, body["open"])
	assert.Equal(t, "2024-05-01T13:00:00Z", body["until"])
}
