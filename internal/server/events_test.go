package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func TestEventsStreamDocumentChanges(t *testing.T) {
	fixture := newRouterFixture(t, routerOptions{})
	created := fixture.mustCreate(t, "Live")

	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/documents/" + created.ID + "/events?access_token=" + testToken
	conn, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial events stream: %v", err)
	}
	defer conn.Close()
	if response.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", response.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for fixture.dispatcher.WatcherCount(created.ID) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("watcher never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	replica := mustReplica(t, created.CrdtB64)
	update := mustEdit(t, replica, "note", "streamed")
	pushRecorder := fixture.do(t, http.MethodPost, "/documents/"+created.ID+"/crdt/push", otherTestToken, gin.H{"updateB64": update})
	if pushRecorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from push, got %d", pushRecorder.Code)
	}

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	var message ChangeMessage
	if err := conn.ReadJSON(&message); err != nil {
		t.Fatalf("read change message: %v", err)
	}
	if message.Event != ChangeEventDocumentChanged || message.DocumentID != created.ID {
		t.Fatalf("unexpected change message %+v", message)
	}
}

func TestEventsRejectUnauthorizedUpgrade(t *testing.T) {
	fixture := newRouterFixture(t, routerOptions{})
	created := fixture.mustCreate(t, "Closed")

	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/documents/" + created.ID + "/events"
	_, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial to fail without a token")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %+v", response)
	}
}

func TestPresenceExchangeReturnsOtherPeers(t *testing.T) {
	fixture := newRouterFixture(t, routerOptions{})
	created := fixture.mustCreate(t, "Presence")
	path := "/documents/" + created.ID + "/presence"

	first := fixture.do(t, http.MethodPost, path, testToken, gin.H{
		"clientId": "tab-alice",
		"color":    "#ff0000",
		"cursor":   gin.H{"anchor": 1, "head": 4},
	})
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}
	var alone presenceResponsePayload
	mustDecode(t, first, &alone)
	if len(alone.Peers) != 0 {
		t.Fatalf("expected no other peers, got %+v", alone.Peers)
	}

	second := fixture.do(t, http.MethodPost, path, otherTestToken, gin.H{"clientId": "tab-bob"})
	var together presenceResponsePayload
	mustDecode(t, second, &together)
	if len(together.Peers) != 1 {
		t.Fatalf("expected one other peer, got %+v", together.Peers)
	}
	peer := together.Peers[0]
	if peer.ClientID != "tab-alice" || peer.UserID != "alice" || peer.Name != "Alice" {
		t.Fatalf("unexpected peer %+v", peer)
	}
	if peer.Cursor == nil || peer.Cursor.Head != 4 {
		t.Fatalf("expected cursor to be shared, got %+v", peer.Cursor)
	}
}

func TestPresenceRequiresClientID(t *testing.T) {
	fixture := newRouterFixture(t, routerOptions{})
	created := fixture.mustCreate(t, "Presence")

	recorder := fixture.do(t, http.MethodPost, "/documents/"+created.ID+"/presence", testToken, gin.H{"clientId": " "})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}
