package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderhub/internal/auth"
	"orderhub/internal/model"
	"orderhub/internal/store"
)

func seedBusiness(t *testing.T) (*store.Memory, model.Business) {
	t.Helper()
	st := store.NewMemory()
	b, err := st.SaveBusiness(context.Background(), model.Business{
		PublicID: "biz-1",
		Name:     "Corner Pizza",
		ExternalIDs: map[model.Channel]string{
			model.ChannelNative:       "n-1",
			model.ChannelMarketplaceB: "mb-1",
		},
	})
	require.NoError(t, err)
	return st, b
}

func dial(t *testing.T, srv *httptest.Server, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	return websocket.DefaultDialer.Dial(url, nil)
}

func readMsg(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m Message
	require.NoError(t, ws.ReadJSON(&m))
	return m
}

func TestLegacyJoinAndAck(t *testing.T) {
	st, _ := seedBusiness(t)
	hub := NewHub("legacy", nil)
	srv := httptest.NewServer(&LegacyHandler{Hub: hub, Directory: st})
	defer srv.Close()

	ws, _, err := dial(t, srv, "/")
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(Message{Type: TypeJoin, ID: "j1", Room: "unknown", Channel: model.ChannelNative}))
	assert.Equal(t, TypeError, readMsg(t, ws).Type)

	require.NoError(t, ws.WriteJSON(Message{Type: TypeJoin, ID: "j2", Room: "n-1", Channel: model.ChannelNative}))
	joined := readMsg(t, ws)
	assert.Equal(t, TypeJoined, joined.Type)
	assert.Equal(t, "native:n-1", joined.Room)

	d := NewDispatcher(Options{Timeout: 2 * time.Second}, nil)
	done := make(chan model.AckResult, 1)
	go func() {
		done <- d.Emit(context.Background(), hub, "native:n-1", EventOrdersRegister, map[string]string{"orderNumber": "9"})
	}()

	evt := readMsg(t, ws)
	assert.Equal(t, TypeEvent, evt.Type)
	assert.Equal(t, EventOrdersRegister, evt.Event)
	ack, _ := json.Marshal(model.AckResult{Received: true, OrderNumber: "9", Business: "biz-1"})
	require.NoError(t, ws.WriteJSON(Message{Type: TypeAck, ID: evt.ID, Data: ack}))

	select {
	case res := <-done:
		assert.True(t, res.Received)
		assert.Equal(t, "9", res.OrderNumber)
		assert.Equal(t, EventOrdersRegister, res.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("emission did not resolve")
	}
}

func TestLegacyPing(t *testing.T) {
	st, _ := seedBusiness(t)
	srv := httptest.NewServer(&LegacyHandler{Hub: NewHub("legacy", nil), Directory: st})
	defer srv.Close()
	ws, _, err := dial(t, srv, "/")
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(Message{Type: TypePing, ID: "p"}))
	m := readMsg(t, ws)
	assert.Equal(t, TypePong, m.Type)
	assert.Equal(t, "p", m.ID)
}

func TestAuthRejectsBadToken(t *testing.T) {
	st, _ := seedBusiness(t)
	srv := httptest.NewServer(&AuthHandler{Hub: NewHub("auth", nil), Directory: st, Verifier: auth.NewVerifier(auth.Config{Mode: "dev"})})
	defer srv.Close()

	_, resp, err := dial(t, srv, "/?token=garbage")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dial(t, srv, "/?token=business:999")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAuthJoinsLinkedRooms(t *testing.T) {
	st, b := seedBusiness(t)
	hub := NewHub("auth", nil)
	srv := httptest.NewServer(&AuthHandler{Hub: hub, Directory: st, Verifier: auth.NewVerifier(auth.Config{Mode: "dev"})})
	defer srv.Close()

	ws, _, err := dial(t, srv, "/?token=business:"+strconv.FormatInt(b.ID, 10))
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, "native:n-1", readMsg(t, ws).Room)
	assert.Equal(t, "marketplace_b:mb-1", readMsg(t, ws).Room)
	assert.Equal(t, []string{"marketplace_b:mb-1", "native:n-1"}, hub.ActiveRooms())

	require.NoError(t, ws.WriteJSON(Message{Type: TypeJoin, ID: "x", Channel: model.ChannelMarketplaceA}))
	assert.Equal(t, TypeError, readMsg(t, ws).Type)

	require.NoError(t, ws.WriteJSON(Message{Type: TypeLeave, Channel: model.ChannelNative}))
	require.NoError(t, ws.WriteJSON(Message{Type: TypePing, ID: "sync"}))
	assert.Equal(t, TypePong, readMsg(t, ws).Type)
	assert.Equal(t, []string{"marketplace_b:mb-1"}, hub.ActiveRooms())

	ws.Close()
	require.Eventually(t, func() bool { return len(hub.ActiveRooms()) == 0 }, 2*time.Second, 10*time.Millisecond)
}
