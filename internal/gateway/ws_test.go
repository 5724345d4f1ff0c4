package gateway

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/relay/internal/engine"
	"github.com/basket/relay/internal/event"
)

func wsURL(f *fixture, token string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + token
}

func dialWS(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(f, testToken), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg serverMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWS_BadTokenRejected(t *testing.T) {
	f := newFixture(t, &engine.Echo{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := websocket.Dial(ctx, wsURL(f, "wrong"), nil); err == nil {
		t.Fatal("dial with wrong token succeeded")
	}
}

func TestWS_PingPong(t *testing.T) {
	f := newFixture(t, &engine.Echo{})
	conn := dialWS(t, f)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := context.Background()
	if err := wsjson.Write(ctx, conn, clientMessage{Type: "ping", TS: 42}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	msg := readServerMessage(t, conn)
	if msg.Type != "pong" || msg.TS != 42 {
		t.Fatalf("got %+v, want pong ts=42", msg)
	}
}

func TestWS_UnknownTypeErrors(t *testing.T) {
	f := newFixture(t, &engine.Echo{})
	conn := dialWS(t, f)
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(context.Background(), conn, clientMessage{Type: "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readServerMessage(t, conn)
	if msg.Type != "error" || msg.Code != "INVALID_MESSAGE" {
		t.Fatalf("got %+v, want INVALID_MESSAGE error", msg)
	}
}

func TestWS_SubscribeStreamsSessionEvents(t *testing.T) {
	f := newFixture(t, &scripted{msgs: []engine.Message{
		engine.Ack{EngineSessionID: "eng_1", Model: "test"},
		engine.Delta{Text: "hello "},
		engine.Delta{Text: "world"},
		engine.Assistant{Blocks: []engine.ContentBlock{{Type: "text", Text: "hello world"}}},
		engine.Result{Success: true},
	}})
	created := f.sessions.Create("proj_1", f.project.Path, "default")

	conn := dialWS(t, f)
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, clientMessage{Type: "subscribe", SessionID: created.SessionID}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	ack := readServerMessage(t, conn)
	if ack.Type != "ack" || ack.SubscribedSessionID != created.SessionID {
		t.Fatalf("ack = %+v", ack)
	}
	if ack.CurrentSeq != 0 {
		t.Fatalf("currentSeq = %d, want 0 before any broadcast", ack.CurrentSeq)
	}

	resp := f.do(t, "POST", "/api/v1/sessions/"+created.SessionID+"/send", map[string]any{"text": "hi"})
	resp.Body.Close()

	var types []string
	var lastSeq int64
	for {
		msg := readServerMessage(t, conn)
		if msg.Type != "event" {
			t.Fatalf("unexpected message %+v", msg)
		}
		if msg.Event.Seq <= lastSeq {
			t.Fatalf("seq %d not greater than previous %d", msg.Event.Seq, lastSeq)
		}
		lastSeq = msg.Event.Seq
		types = append(types, msg.Event.Type)
		if msg.Event.Type == event.TypeSessionEnded {
			break
		}
	}

	want := []string{
		event.TypeSessionCreated,
		event.TypeAssistantDelta,
		event.TypeAssistantDelta,
		event.TypeAssistantMessage,
		event.TypeSessionEnded,
	}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestWS_UnsubscribeStopsDelivery(t *testing.T) {
	f := newFixture(t, &engine.Echo{})
	created := f.sessions.Create("proj_1", f.project.Path, "default")

	conn := dialWS(t, f)
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, clientMessage{Type: "subscribe", SessionID: created.SessionID}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = readServerMessage(t, conn) // ack
	if err := wsjson.Write(ctx, conn, clientMessage{Type: "unsubscribe", SessionID: created.SessionID}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	// Give the unsubscribe time to land, then run a turn.
	time.Sleep(50 * time.Millisecond)
	resp := f.do(t, "POST", "/api/v1/sessions/"+created.SessionID+"/send", map[string]any{"text": "hi"})
	resp.Body.Close()

	// Only the ping/pong round-trip should come back, no events.
	if err := wsjson.Write(ctx, conn, clientMessage{Type: "ping", TS: 7}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	msg := readServerMessage(t, conn)
	if msg.Type != "pong" {
		t.Fatalf("got %+v after unsubscribe, want pong", msg)
	}
}
