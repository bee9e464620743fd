package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"wardrelay/internal/core"
	"wardrelay/internal/identity"
	"wardrelay/internal/protocol"
	"wardrelay/internal/relay"
)

type nopPersister struct{}

func (nopPersister) CreateRoom(protocol.Room, string, []string) {}
func (nopPersister) JoinRoom(string, string)                    {}
func (nopPersister) LeaveRoom(string, string)                   {}
func (nopPersister) Message(protocol.ChatMessage)               {}
func (nopPersister) ReadReceipts(string, []string)              {}
func (nopPersister) Reaction(string, string, string)            {}
func (nopPersister) RemoveReaction(string, string, string)      {}

func TestAuthThenMessageRoundTrip(t *testing.T) {
	_, baseURL, _ := startTestServer(t)

	alice := connectClient(t, baseURL, "alice")
	defer alice.Close()
	bob := connectClient(t, baseURL, "bob")
	defer bob.Close()

	writeMsg(t, alice, protocol.Envelope{Type: protocol.TypeJoinRoom, RoomID: "ward-4"})
	readUntil(t, alice, func(m protocol.Envelope) bool { return m.Type == protocol.TypeRoomUpdate })
	writeMsg(t, bob, protocol.Envelope{Type: protocol.TypeJoinRoom, RoomID: "ward-4"})
	readUntil(t, alice, func(m protocol.Envelope) bool {
		return m.Type == protocol.TypeRoomUpdate && m.Room != nil && len(m.Room.Members) == 2
	})

	writeMsg(t, alice, protocol.Envelope{Type: protocol.TypeMessage, Message: &protocol.ChatMessage{
		ID:      "M1",
		RoomID:  "ward-4",
		Content: "bed 4 obs due",
	}})

	for _, conn := range []*websocket.Conn{alice, bob} {
		got := readUntil(t, conn, func(m protocol.Envelope) bool { return m.Type == protocol.TypeMessage })
		if got.Message == nil || got.Message.ID != "M1" || got.Message.SenderID != "alice" {
			t.Fatalf("unexpected message: %#v", got.Message)
		}
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	_, baseURL, _ := startTestServer(t)

	alice := connectClient(t, baseURL, "alice")
	defer alice.Close()

	_ = alice.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := alice.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write raw: %v", err)
	}
	writeMsg(t, alice, protocol.Envelope{Type: protocol.TypeJoinRoom, RoomID: "R1"})
	readUntil(t, alice, func(m protocol.Envelope) bool { return m.Type == protocol.TypeRoomUpdate })
}

func TestCloseBroadcastsOfflinePresence(t *testing.T) {
	_, baseURL, reg := startTestServer(t)

	alice := connectClient(t, baseURL, "alice")
	defer alice.Close()
	bob := connectClient(t, baseURL, "bob")

	readUntil(t, alice, func(m protocol.Envelope) bool {
		return m.Type == protocol.TypePresence && m.Identity != nil && m.Identity.ID == "bob" && *m.Online
	})

	_ = bob.Close()

	got := readUntil(t, alice, func(m protocol.Envelope) bool {
		return m.Type == protocol.TypePresence && m.Identity != nil && m.Identity.ID == "bob"
	})
	if *got.Online {
		t.Fatal("expected offline presence for bob")
	}
	if reg.Online("bob") {
		t.Fatal("bob should be unregistered")
	}
}

func TestUnauthenticatedEventsGetNoReply(t *testing.T) {
	_, baseURL, reg := startTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(baseURL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	writeMsg(t, conn, protocol.Envelope{Type: protocol.TypeJoinRoom, RoomID: "R1"})
	writeMsg(t, conn, protocol.Envelope{Type: protocol.TypeAuth, Token: "wrong"})
	writeMsg(t, conn, protocol.Envelope{Type: protocol.TypeAuth, Token: "tok-carol"})
	got := readUntil(t, conn, func(m protocol.Envelope) bool { return true })
	if got.Type != protocol.TypeAuthenticated || got.Identity.ID != "carol" {
		t.Fatalf("first reply should be authenticated, got %#v", got)
	}
	if reg.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", reg.Count())
	}
}

func startTestServer(t *testing.T) (*httptest.Server, string, *core.Registry) {
	t.Helper()

	reg := core.NewRegistry()
	dir := core.NewDirectory(reg)
	router := relay.NewRouter(relay.Deps{
		Resolver: identity.ResolverFunc(func(_ context.Context, token string) (protocol.Identity, error) {
			id, ok := strings.CutPrefix(token, "tok-")
			if !ok || id == "" {
				return protocol.Identity{}, identity.ErrInvalidToken
			}
			return protocol.Identity{ID: id, DisplayName: id}, nil
		}),
		Registry:    reg,
		Directory:   dir,
		Broadcaster: core.NewBroadcaster(dir, nil),
		Persister:   nopPersister{},
	})

	e := echo.New()
	NewHandler(router, nil, Options{}).Register(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(httpServer.Close)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	return httpServer, wsURL, reg
}

func connectClient(t *testing.T, baseWSURL, userID string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(baseWSURL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}

	writeMsg(t, conn, protocol.Envelope{Type: protocol.TypeAuth, Token: "tok-" + userID})
	readUntil(t, conn, func(m protocol.Envelope) bool {
		return m.Type == protocol.TypeAuthenticated && m.Identity != nil && m.Identity.ID == userID
	})
	return conn
}

func writeMsg(t *testing.T, conn *websocket.Conn, msg protocol.Envelope) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write json: %v", err)
	}
}

// readUntil reads until match accepts an event. A gorilla read error is
// permanent, so one deadline covers the whole wait.
func readUntil(t *testing.T, conn *websocket.Conn, match func(protocol.Envelope) bool) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(4 * time.Second))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	for {
		var msg protocol.Envelope
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read json: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}
