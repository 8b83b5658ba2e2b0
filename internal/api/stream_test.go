package api

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/storyloom/internal/plot"
)

func dialStream(t *testing.T, f *fixture, worldID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/v1/worlds/" + worldID + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSubscribers(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Connections() < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d subscribers registered", hub.Connections(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) streamEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var ev streamEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode stream event: %v", err)
	}
	return ev
}

func TestStreamDeliversCommittedPassages(t *testing.T) {
	f := newFixture(t)
	conn := dialStream(t, f, "w1")
	waitForSubscribers(t, f.hub, 1)

	f.hub.Publish(plot.Passage{
		WorldID:     "w1",
		Ordinal:     1,
		Narrative:   "The lamp went dark at moonrise.",
		ConflictTag: "mystery",
		CreatedAt:   testTime,
	})

	ev := readEvent(t, conn)
	if ev.Type != "passage" || ev.Ordinal != 1 {
		t.Errorf("event wrong: %+v", ev)
	}
	if ev.Narrative != "The lamp went dark at moonrise." {
		t.Errorf("narrative = %q", ev.Narrative)
	}
}

func TestStreamIsolatesWorlds(t *testing.T) {
	f := newFixture(t)
	connA := dialStream(t, f, "w-a")
	connB := dialStream(t, f, "w-b")
	waitForSubscribers(t, f.hub, 2)

	f.hub.Publish(plot.Passage{WorldID: "w-a", Ordinal: 1, Narrative: "only for a", CreatedAt: testTime})
	f.hub.Publish(plot.Passage{WorldID: "w-b", Ordinal: 7, Narrative: "only for b", CreatedAt: testTime})

	evA := readEvent(t, connA)
	if evA.WorldID != "w-a" || evA.Ordinal != 1 {
		t.Errorf("subscriber a got foreign event: %+v", evA)
	}
	// B's first event must be its own; it never saw a's.
	evB := readEvent(t, connB)
	if evB.WorldID != "w-b" || evB.Ordinal != 7 {
		t.Errorf("subscriber b got foreign event: %+v", evB)
	}
}

func TestStreamCountsConnections(t *testing.T) {
	f := newFixture(t)

	conn := dialStream(t, f, "w1")
	waitForSubscribers(t, f.hub, 1)

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Connections() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection count stuck at %d", f.hub.Connections())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishWithoutSubscribersIsHarmless(t *testing.T) {
	hub := NewHub()
	hub.Publish(plot.Passage{WorldID: "nobody", Ordinal: 1, Narrative: "unheard"})
	if hub.Connections() != 0 {
		t.Error("phantom connection")
	}
}
