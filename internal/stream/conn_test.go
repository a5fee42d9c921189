package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gridflow/internal/dispatch"
	"gridflow/internal/exchange"
	"gridflow/models"
)

// listenKeyClient covers the listen-key surface the connection uses;
// the embedded interface is never called.
type listenKeyClient struct {
	exchange.Client
}

func (listenKeyClient) CreateListenKey(context.Context) (string, error)  { return "lk", nil }
func (listenKeyClient) KeepAliveListenKey(context.Context, string) error { return nil }
func (listenKeyClient) CloseListenKey(context.Context, string) error     { return nil }

// quietServer upgrades and then holds the session open without sending
// any frames, like the user stream during a flat market.
func quietServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStopUnblocksQuietReadLoop(t *testing.T) {
	srv := quietServer(t)

	cfg := DefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.ReconnectMin = time.Hour

	conn := NewConn(cfg, listenKeyClient{}, dispatch.NewQueue())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := conn.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for conn.State().Status != models.ConnConnected {
		if time.Now().After(deadline) {
			t.Fatalf("connection never established")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// With the default 75s pong timeout the read loop must not wait for
	// the deadline; cancellation closes the socket directly.
	cancel()
	done := make(chan struct{})
	go func() {
		conn.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Stop did not return promptly after cancellation")
	}
}
