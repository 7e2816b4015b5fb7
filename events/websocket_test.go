package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-gate/types"
	"github.com/saiset-co/sai-gate/utils"
)

// wsServer accepts websocket connections, forwards every frame it
// receives to incoming and writes every payload queued on outgoing.
type wsServer struct {
	server   *httptest.Server
	incoming chan []byte
	outgoing chan []byte
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()

	ws := &wsServer{
		incoming: make(chan []byte, 16),
		outgoing: make(chan []byte, 16),
	}

	upgrader := websocket.Upgrader{}
	ws.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			for data := range ws.outgoing {
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ws.incoming <- data
		}
	}))
	t.Cleanup(ws.server.Close)

	return ws
}

func (ws *wsServer) url() string {
	return "ws" + strings.TrimPrefix(ws.server.URL, "http")
}

func newWSBroker(t *testing.T, url string) types.EventBroker {
	t.Helper()

	broker, err := NewWebSocketBroker(context.Background(), testLogger(), &types.EventsConfig{
		Enabled: true,
		Type:    "websocket",
		Config: map[string]interface{}{
			"url":             url,
			"reconnect_delay": int64(50 * time.Millisecond),
			"max_retries":     2,
		},
	}, nil)
	require.NoError(t, err)
	return broker
}

func TestWebSocketBrokerPublishesToServer(t *testing.T) {
	server := newWSServer(t)
	broker := newWSBroker(t, server.url())

	require.NoError(t, broker.Start())
	defer broker.Stop()

	require.NoError(t, broker.Publish("order.created", map[string]interface{}{"id": "42"}))

	select {
	case data := <-server.incoming:
		var message types.EventMessage
		require.NoError(t, utils.Unmarshal(data, &message))
		assert.Equal(t, "order.created", message.Event)
		assert.NotEmpty(t, message.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message reached the server")
	}
}

func TestWebSocketBrokerDispatchesIncoming(t *testing.T) {
	server := newWSServer(t)
	broker := newWSBroker(t, server.url())

	received := make(chan *types.EventMessage, 1)
	require.NoError(t, broker.Subscribe("remote.ping", func(msg *types.EventMessage) error {
		received <- msg
		return nil
	}))

	require.NoError(t, broker.Start())
	defer broker.Stop()

	server.outgoing <- []byte(`{"event":"remote.ping","payload":{"seq":1},"message_id":"m-1"}`)

	select {
	case message := <-received:
		assert.Equal(t, "remote.ping", message.Event)
		assert.Equal(t, "m-1", message.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("incoming message never dispatched")
	}
}

func TestWebSocketBrokerStartFailsWhenUnreachable(t *testing.T) {
	broker := newWSBroker(t, "ws://127.0.0.1:1/ws")

	err := broker.Start()
	require.Error(t, err)
	assert.False(t, broker.IsRunning())
}

func TestWebSocketBrokerSubscribeValidation(t *testing.T) {
	server := newWSServer(t)
	broker := newWSBroker(t, server.url())

	err := broker.Subscribe("", func(*types.EventMessage) error { return nil })
	assert.ErrorIs(t, err, types.ErrEventsConfigInvalid)
	assert.ErrorIs(t, broker.Subscribe("remote.ping", nil), types.ErrEventsConfigInvalid)
}

func TestWebSocketBrokerLifecycleGates(t *testing.T) {
	server := newWSServer(t)
	broker := newWSBroker(t, server.url())

	assert.ErrorIs(t, broker.Publish("order.created", nil), types.ErrEventsNotInitialized)

	require.NoError(t, broker.Start())
	assert.True(t, broker.IsRunning())
	assert.ErrorIs(t, broker.Start(), types.ErrServerAlreadyRunning)

	require.NoError(t, broker.Stop())
	assert.False(t, broker.IsRunning())
	assert.ErrorIs(t, broker.Stop(), types.ErrServerNotRunning)
}
