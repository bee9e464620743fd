package core

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"wardrelay/internal/protocol"
)

func TestBroadcastReachesEveryMember(t *testing.T) {
	reg := NewRegistry()
	dir := NewDirectory(reg)
	b := NewBroadcaster(dir, nil)

	sessions := make([]*Session, 0, 4)
	for i := 1; i <= 4; i++ {
		s := newTestSession(t, reg, fmt.Sprintf("U%d", i))
		dir.JoinRoom("R1", s)
		sessions = append(sessions, s)
	}
	outsider := newTestSession(t, reg, "U9")

	n, err := b.Broadcast("R1", protocol.Envelope{Type: protocol.TypeMessage}, "")
	if err != nil || n != 4 {
		t.Fatalf("expected 4 recipients, got n=%d err=%v", n, err)
	}
	for _, s := range sessions {
		assertRecvType(t, s, protocol.TypeMessage)
		assertNoRecv(t, s)
	}
	assertNoRecv(t, outsider)
}

func TestBroadcastExcludesOriginator(t *testing.T) {
	reg := NewRegistry()
	dir := NewDirectory(reg)
	b := NewBroadcaster(dir, nil)
	u1 := newTestSession(t, reg, "U1")
	u2 := newTestSession(t, reg, "U2")
	dir.JoinRoom("R1", u1)
	dir.JoinRoom("R1", u2)

	n, err := b.Broadcast("R1", protocol.Envelope{Type: protocol.TypeTyping}, "U1")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 recipient, got n=%d err=%v", n, err)
	}
	assertRecvType(t, u2, protocol.TypeTyping)
	assertNoRecv(t, u1)
}

func TestBroadcastSkipsClosedSessions(t *testing.T) {
	reg := NewRegistry()
	dir := NewDirectory(reg)
	b := NewBroadcaster(dir, nil)
	u1 := newTestSession(t, reg, "U1")
	u2 := newTestSession(t, reg, "U2")
	dir.JoinRoom("R1", u1)
	dir.JoinRoom("R1", u2)

	u2.Close()
	n, err := b.Broadcast("R1", protocol.Envelope{Type: protocol.TypeMessage}, "")
	if err != nil || n != 1 {
		t.Fatalf("expected closed session to be skipped, got n=%d err=%v", n, err)
	}
}

func TestBroadcastUnknownRoom(t *testing.T) {
	b := NewBroadcaster(NewDirectory(NewRegistry()), nil)
	if _, err := b.Broadcast("nope", protocol.Envelope{Type: protocol.TypeTyping}, ""); !errors.Is(err, ErrUnknownRoom) {
		t.Fatalf("expected ErrUnknownRoom, got %v", err)
	}
}

func TestBroadcastDeliversToReplacementSession(t *testing.T) {
	reg := NewRegistry()
	dir := NewDirectory(reg)
	b := NewBroadcaster(dir, nil)
	old := newTestSession(t, reg, "U1")
	dir.JoinRoom("R1", old)

	fresh := NewSession(protocol.Identity{ID: "U1"}, 16, 0)
	reg.Register(fresh)

	if n, _ := b.Broadcast("R1", protocol.Envelope{Type: protocol.TypeMessage}, ""); n != 1 {
		t.Fatalf("expected 1 recipient, got %d", n)
	}
	assertRecvType(t, fresh, protocol.TypeMessage)
	assertNoRecv(t, old)
}

func TestConcurrentBroadcastsKeepRoomOrder(t *testing.T) {
	reg := NewRegistry()
	dir := NewDirectory(reg)
	b := NewBroadcaster(dir, nil)

	const senders, perSender = 4, 50
	members := make([]*Session, 0, 3)
	for i := 1; i <= 3; i++ {
		s := NewSession(protocol.Identity{ID: fmt.Sprintf("U%d", i)}, senders*perSender, 0)
		reg.Register(s)
		dir.JoinRoom("R1", s)
		members = append(members, s)
	}

	var wg sync.WaitGroup
	for g := 0; g < senders; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				msg := &protocol.ChatMessage{ID: fmt.Sprintf("g%d-%d", g, i), RoomID: "R1"}
				if _, err := b.Broadcast("R1", protocol.Envelope{Type: protocol.TypeMessage, Message: msg}, ""); err != nil {
					t.Errorf("broadcast: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	var reference []string
	for idx, s := range members {
		got := drainIDs(s)
		if len(got) != senders*perSender {
			t.Fatalf("member %d received %d events, want %d", idx, len(got), senders*perSender)
		}
		if reference == nil {
			reference = got
			continue
		}
		for i := range got {
			if got[i] != reference[i] {
				t.Fatalf("member %d diverges at %d: %s != %s", idx, i, got[i], reference[i])
			}
		}
	}
}

func TestBroadcastAllReachesRegistry(t *testing.T) {
	reg := NewRegistry()
	b := NewBroadcaster(NewDirectory(reg), nil)
	u1 := newTestSession(t, reg, "U1")
	u2 := newTestSession(t, reg, "U2")

	if n := b.BroadcastAll(protocol.Envelope{Type: protocol.TypePresence}, "U1"); n != 1 {
		t.Fatalf("expected 1 recipient, got %d", n)
	}
	assertRecvType(t, u2, protocol.TypePresence)
	assertNoRecv(t, u1)
}

func drainIDs(s *Session) []string {
	var out []string
	for {
		select {
		case env := <-s.Outbound():
			out = append(out, env.Message.ID)
		default:
			return out
		}
	}
}

func assertRecvType(t *testing.T, s *Session, want string) {
	t.Helper()
	select {
	case msg := <-s.Outbound():
		if msg.Type != want {
			t.Fatalf("expected type %q, got %q", want, msg.Type)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func assertNoRecv(t *testing.T, s *Session) {
	t.Helper()
	select {
	case msg, ok := <-s.Outbound():
		if ok {
			t.Fatalf("unexpected message: %#v", msg)
		}
	case <-time.After(30 * time.Millisecond):
	}
}
