package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/filtertune/internal/events"
	"github.com/ajitpratap0/filtertune/internal/optimizer"
	"github.com/ajitpratap0/filtertune/pkg/backtest"
	"github.com/ajitpratap0/filtertune/pkg/filters"
)

func setupStream(t *testing.T, hub *Hub) (string, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	srv, err := NewServer(Config{Controller: &fakeController{}, Stream: hub})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream", cancel
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestStreamDeliversSearchEvents(t *testing.T) {
	hub := NewHub()
	url, _ := setupStream(t, hub)
	conn := dial(t, url)

	hello := readMessage(t, conn)
	assert.Equal(t, MessageTypeHello, hello.Type)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	cfg := filters.NewConfig().MustSet("Min AG Score", filters.Num(7))
	hub.OnNewBest(optimizer.PhaseAnnealing, cfg, 21.5, &backtest.Metrics{TotalTokens: 640})

	msg := readMessage(t, conn)
	assert.Equal(t, string(events.EventNewBest), msg.Type)
	var best events.BestPayload
	require.NoError(t, json.Unmarshal(msg.Data, &best))
	assert.Equal(t, optimizer.PhaseAnnealing, best.Phase)
	assert.Equal(t, 21.5, best.Score)
	assert.True(t, cfg.Equal(best.Config))

	hub.OnRunComplete("chain-1", backtest.RunSummary{RunNumber: 1, Score: backtest.RejectedScore}, backtest.RejectedScore)

	msg = readMessage(t, conn)
	assert.Equal(t, string(events.EventRunComplete), msg.Type)
	var run events.RunPayload
	require.NoError(t, json.Unmarshal(msg.Data, &run))
	assert.Equal(t, 1, run.RunNumber)
	assert.Nil(t, run.Score)
}

func TestStreamPingPong(t *testing.T) {
	hub := NewHub()
	url, _ := setupStream(t, hub)
	conn := dial(t, url)

	readMessage(t, conn) // hello
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypePing}))
	assert.Equal(t, MessageTypePong, readMessage(t, conn).Type)
}

func TestStreamClosesClientsWhenHubStops(t *testing.T) {
	hub := NewHub()
	url, stop := setupStream(t, hub)
	conn := dial(t, url)

	readMessage(t, conn) // hello
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	hub := NewHub("https://dash.example.test")
	url, _ := setupStream(t, hub)

	header := http.Header{"Origin": []string{"https://evil.example.test"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://dash.example.test")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestStreamRouteAbsentWithoutHub(t *testing.T) {
	srv := setupServer(t, &fakeController{})
	w := do(t, srv, http.MethodGet, "/api/v1/stream")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBroadcastNeverBlocks(t *testing.T) {
	hub := NewHub() // Not running, nothing drains the backlog

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			hub.OnPhase(optimizer.PhaseSweep, float64(i))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast blocked")
	}
}
