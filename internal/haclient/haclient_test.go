package haclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tillwagner/r2ha-bridge/internal/config"
	"github.com/tillwagner/r2ha-bridge/internal/haproto"
	"github.com/tillwagner/r2ha-bridge/internal/model"
	"github.com/tillwagner/r2ha-bridge/internal/translate"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeHA is a minimal scripted Home Assistant server used to drive the HA
// Client through its handshake and a handful of steady-state exchanges.
type fakeHA struct {
	t       *testing.T
	conn    *websocket.Conn
	invalid bool
}

func newFakeHAServer(t *testing.T, invalidAuth bool) (*httptest.Server, chan *fakeHA) {
	t.Helper()
	connCh := make(chan *fakeHA, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		f := &fakeHA{t: t, conn: conn, invalid: invalidAuth}
		go f.serve()
		connCh <- f
	}))
	return srv, connCh
}

func (f *fakeHA) serve() {
	_ = f.conn.WriteJSON(haproto.Inbound{Type: haproto.TypeAuthRequired})

	var authFrame haproto.AuthFrame
	if err := f.conn.ReadJSON(&authFrame); err != nil {
		return
	}

	if f.invalid {
		_ = f.conn.WriteJSON(haproto.Inbound{Type: haproto.TypeAuthInvalid})
		return
	}
	_ = f.conn.WriteJSON(haproto.Inbound{Type: haproto.TypeAuthOk})

	var sub haproto.SubscribeEventsFrame
	if err := f.conn.ReadJSON(&sub); err != nil {
		return
	}
	_ = f.conn.WriteJSON(haproto.Inbound{Type: haproto.TypeResult, ID: sub.ID, Success: true})

	for {
		_, raw, err := f.conn.ReadMessage()
		if err != nil {
			return
		}
		f.handle(raw)
	}
}

func (f *fakeHA) handle(raw []byte) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return
	}
	switch generic["type"] {
	case string(haproto.TypeGetStates):
		id := int64(generic["id"].(float64))
		result := haproto.GetStatesResult{
			{EntityID: "light.kitchen", State: "on", Attributes: map[string]any{"brightness": 200}},
			{EntityID: "sensor.temp", State: "21"}, // unsupported domain, must be filtered
		}
		payload, _ := json.Marshal(result)
		_ = f.conn.WriteJSON(struct {
			Type    haproto.FrameType `json:"type"`
			ID      int64             `json:"id"`
			Success bool              `json:"success"`
			Result  json.RawMessage   `json:"result"`
		}{Type: haproto.TypeResult, ID: id, Success: true, Result: payload})

	case string(haproto.TypeCallService):
		id := int64(generic["id"].(float64))
		_ = f.conn.WriteJSON(haproto.Inbound{Type: haproto.TypeResult, ID: id, Success: true})

	case string(haproto.TypePing):
		id := int64(generic["id"].(float64))
		_ = f.conn.WriteJSON(haproto.Inbound{Type: haproto.TypePong, ID: id})
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func testSettings(url string) config.HASettings {
	s := config.DefaultHASettings()
	s.URL = url
	s.Token = "test-token"
	s.ConnectionTimeout = 3
	s.Heartbeat.Interval = 50 * time.Millisecond
	s.Heartbeat.Timeout = 200 * time.Millisecond
	return s
}

func TestDial_HappyPathPostsConnected(t *testing.T) {
	srv, _ := newFakeHAServer(t, false)
	defer srv.Close()

	events := make(chan any, 8)
	c, err := Dial(context.Background(), websocket.DefaultDialer, testSettings(wsURL(srv.URL)), "ha-1", func(e any) { events <- e }, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	select {
	case ev := <-events:
		ce, ok := ev.(model.ConnectionEvent)
		if !ok || ce.State != model.ConnStateConnected {
			t.Fatalf("got %#v, want ConnectionEvent{Connected}", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Connected event")
	}
}

func TestDial_AuthInvalidPostsAuthenticationFailed(t *testing.T) {
	srv, _ := newFakeHAServer(t, true)
	defer srv.Close()

	events := make(chan any, 8)
	_, err := Dial(context.Background(), websocket.DefaultDialer, testSettings(wsURL(srv.URL)), "ha-1", func(e any) { events <- e }, nil)
	if err == nil {
		t.Fatal("expected error for auth_invalid")
	}
	if _, ok := err.(AuthenticationFailedError); !ok {
		t.Fatalf("got error %v (%T), want AuthenticationFailedError", err, err)
	}

	select {
	case ev := <-events:
		ce, ok := ev.(model.ConnectionEvent)
		if !ok || ce.State != model.ConnStateAuthenticationFailed {
			t.Fatalf("got %#v, want ConnectionEvent{AuthenticationFailed}", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for AuthenticationFailed event")
	}
}

func TestGetStates_FiltersUnsupportedEntityTypes(t *testing.T) {
	srv, _ := newFakeHAServer(t, false)
	defer srv.Close()

	events := make(chan any, 8)
	c, err := Dial(context.Background(), websocket.DefaultDialer, testSettings(wsURL(srv.URL)), "ha-1", func(e any) { events <- e }, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	drainConnected(t, events)

	c.GetStates()

	select {
	case ev := <-events:
		ae, ok := ev.(model.AvailableEntities)
		if !ok {
			t.Fatalf("got %#v, want AvailableEntities", ev)
		}
		if len(ae.Entities) != 1 || ae.Entities[0].EntityID != "light.kitchen" {
			t.Fatalf("got entities %+v, want only light.kitchen", ae.Entities)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for AvailableEntities")
	}
}

func TestCallService_SuccessResult(t *testing.T) {
	srv, _ := newFakeHAServer(t, false)
	defer srv.Close()

	events := make(chan any, 8)
	c, err := Dial(context.Background(), websocket.DefaultDialer, testSettings(wsURL(srv.URL)), "ha-1", func(e any) { events <- e }, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	drainConnected(t, events)

	reply := c.CallService(translate.Call{Domain: "light", Service: "turn_on"}, "light.kitchen")
	select {
	case res := <-reply:
		if !res.Success {
			t.Fatalf("CallService failed: %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CallService result")
	}
}

func TestHeartbeatTimeout_ClosesAndPostsClosed(t *testing.T) {
	// A server that completes handshake then never answers pings.
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		_ = conn.WriteJSON(haproto.Inbound{Type: haproto.TypeAuthRequired})
		var authFrame haproto.AuthFrame
		_ = conn.ReadJSON(&authFrame)
		_ = conn.WriteJSON(haproto.Inbound{Type: haproto.TypeAuthOk})
		var sub haproto.SubscribeEventsFrame
		_ = conn.ReadJSON(&sub)
		_ = conn.WriteJSON(haproto.Inbound{Type: haproto.TypeResult, ID: sub.ID, Success: true})
		connCh <- conn
		// Keep reading (and discarding) so the socket stays open but never pongs.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	events := make(chan any, 8)
	c, err := Dial(context.Background(), websocket.DefaultDialer, testSettings(wsURL(srv.URL)), "ha-1", func(e any) { events <- e }, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	drainConnected(t, events)

	select {
	case ev := <-events:
		ce, ok := ev.(model.ConnectionEvent)
		if !ok || ce.State != model.ConnStateClosed {
			t.Fatalf("got %#v, want ConnectionEvent{Closed}", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for heartbeat-timeout Closed event")
	}
}

func drainConnected(t *testing.T, events chan any) {
	t.Helper()
	select {
	case ev := <-events:
		if ce, ok := ev.(model.ConnectionEvent); !ok || ce.State != model.ConnStateConnected {
			t.Fatalf("got %#v, want ConnectionEvent{Connected}", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial Connected event")
	}
}
