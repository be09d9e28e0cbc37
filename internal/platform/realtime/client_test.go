package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeServer acknowledges joins and pushes a change to every joined topic.
type fakeServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	reject   bool

	mu     sync.Mutex
	joins  []joinPayload
	leaves []string
	tokens []string
	conns  []*websocket.Conn
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("apikey") != "anon" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade failed: %v", err)
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	var writeMu sync.Mutex
	write := func(v any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteJSON(v)
	}

	for {
		var msg envelope
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Event {
		case eventJoin:
			var join joinPayload
			_ = json.Unmarshal(msg.Payload, &join)
			f.mu.Lock()
			f.joins = append(f.joins, join)
			f.mu.Unlock()

			status := "ok"
			if f.reject {
				status = "error"
			}
			write(map[string]any{
				"topic": msg.Topic, "event": eventReply, "ref": msg.Ref,
				"payload": map[string]any{"status": status, "response": map[string]any{}},
			})
			if f.reject {
				continue
			}
			write(map[string]any{
				"topic": msg.Topic, "event": eventPostgresChanges, "ref": nil,
				"payload": map[string]any{"data": map[string]any{
					"type": "INSERT", "schema": "public", "table": "messages",
					"record": map[string]any{"id": "m-1", "content": "hola"},
				}},
			})
		case eventLeave:
			f.mu.Lock()
			f.leaves = append(f.leaves, msg.Topic)
			f.mu.Unlock()
		case eventAccessToken:
			var payload struct {
				AccessToken string `json:"access_token"`
			}
			_ = json.Unmarshal(msg.Payload, &payload)
			f.mu.Lock()
			f.tokens = append(f.tokens, payload.AccessToken)
			f.mu.Unlock()
		}
	}
}

func (f *fakeServer) closeConns() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
}

func newTestClient(t *testing.T, f *fakeServer) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, "anon", nil, Options{JoinTimeout: time.Second, MaxRetries: 1})
	if err != nil {
		t.Fatalf("New err: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEndpoint(t *testing.T) {
	got, err := Endpoint("https://xyz.example.co/", "key")
	if err != nil {
		t.Fatalf("Endpoint err: %v", err)
	}
	if got != "wss://xyz.example.co/realtime/v1/websocket?apikey=key&vsn=1.0.0" {
		t.Fatalf("unexpected endpoint %s", got)
	}
	if _, err := Endpoint("ftp://x", "key"); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	f := &fakeServer{t: t}
	c := newTestClient(t, f)

	sub, err := c.Subscribe(context.Background(), "messages:c-1", Filter{Event: "INSERT", Table: "messages", Filter: "conversation_id=eq.c-1"})
	if err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	if !strings.HasPrefix(sub.Topic(), "realtime:messages:c-1:") {
		t.Fatalf("unexpected topic %s", sub.Topic())
	}

	select {
	case change := <-sub.Events():
		var row struct {
			ID      string `json:"id"`
			Content string `json:"content"`
		}
		if err := change.Decode(&row); err != nil {
			t.Fatalf("Decode err: %v", err)
		}
		if change.Type != "INSERT" || row.ID != "m-1" {
			t.Fatalf("unexpected change %+v", change)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}

	f.mu.Lock()
	join := f.joins[0]
	f.mu.Unlock()
	cfg := join.Config.PostgresChanges[0]
	if cfg.Schema != "public" || cfg.Filter != "conversation_id=eq.c-1" || cfg.Event != "INSERT" {
		t.Fatalf("unexpected join config %+v", cfg)
	}
}

func TestCloseLeavesAndClosesStream(t *testing.T) {
	f := &fakeServer{t: t}
	c := newTestClient(t, f)

	sub, err := c.Subscribe(context.Background(), "conversations", Filter{Table: "conversations"})
	if err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close err: %v", err)
	}
	_ = sub.Close()

	waitClosed(t, sub.Events())
	time.Sleep(50 * time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.leaves) != 1 || f.leaves[0] != sub.Topic() {
		t.Fatalf("expected one leave for %s, got %v", sub.Topic(), f.leaves)
	}
}

func TestRejectedJoin(t *testing.T) {
	f := &fakeServer{t: t, reject: true}
	c := newTestClient(t, f)

	if _, err := c.Subscribe(context.Background(), "messages", Filter{Table: "messages"}); err == nil {
		t.Fatal("expected rejected join to fail")
	}
}

func TestSubscribeAfterCloseFails(t *testing.T) {
	f := &fakeServer{t: t}
	c := newTestClient(t, f)
	_ = c.Close()

	if _, err := c.Subscribe(context.Background(), "messages", Filter{Table: "messages"}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestReconnectRejoinsSubscriptions(t *testing.T) {
	f := &fakeServer{t: t}
	c := newTestClient(t, f)

	sub, err := c.Subscribe(context.Background(), "messages:c-1", Filter{Event: "INSERT", Table: "messages"})
	if err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	<-sub.Events()

	f.closeConns()

	select {
	case _, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription terminated instead of rejoining")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change after reconnect")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.joins) != 2 {
		t.Fatalf("expected a rejoin, got %d joins", len(f.joins))
	}
}

func waitClosed(t *testing.T, events <-chan Change) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed")
		}
	}
}

// rotatingToken is a token source whose value can change between reads.
type rotatingToken struct {
	mu    sync.Mutex
	token string
}

func (r *rotatingToken) AccessToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

func (r *rotatingToken) set(token string) {
	r.mu.Lock()
	r.token = token
	r.mu.Unlock()
}

func TestHeartbeatPushesRenewedToken(t *testing.T) {
	f := &fakeServer{t: t}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	tokens := &rotatingToken{token: "at-1"}
	c, err := New(srv.URL, "anon", tokens, Options{JoinTimeout: time.Second, MaxRetries: 1, HeartbeatInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New err: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if _, err := c.Subscribe(context.Background(), "conversations", Filter{Table: "conversations"}); err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}

	// unchanged token is not re-sent
	time.Sleep(80 * time.Millisecond)
	f.mu.Lock()
	early := len(f.tokens)
	join := f.joins[0]
	f.mu.Unlock()
	if early != 0 || join.AccessToken != "at-1" {
		t.Fatalf("unexpected token traffic: join=%q pushes=%d", join.AccessToken, early)
	}

	tokens.set("at-2")
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		pushed := append([]string(nil), f.tokens...)
		f.mu.Unlock()
		if len(pushed) > 0 {
			if pushed[0] != "at-2" {
				t.Fatalf("expected at-2 to be pushed, got %v", pushed)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the renewed token")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
