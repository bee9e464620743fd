package core

import (
	"testing"
	"time"

	"wardrelay/internal/protocol"
)

func TestRegistryLastRegisteredWins(t *testing.T) {
	reg := NewRegistry()
	first := NewSession(protocol.Identity{ID: "U1"}, 4, 0)
	second := NewSession(protocol.Identity{ID: "U1"}, 4, 0)

	if prev := reg.Register(first); prev != nil {
		t.Fatalf("unexpected previous session: %#v", prev)
	}
	if prev := reg.Register(second); prev != first {
		t.Fatal("expected first session to be evicted")
	}
	if !first.Open() {
		t.Fatal("evicted session must not be closed by the registry")
	}
	got, ok := reg.Lookup("U1")
	if !ok || got != second {
		t.Fatal("lookup should return the last registered session")
	}
	if reg.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", reg.Count())
	}
}

func TestRegistryUnregister(t *testing.T) {
	reg := NewRegistry()
	s := NewSession(protocol.Identity{ID: "U1"}, 4, 0)

	if reg.Unregister(s) {
		t.Fatal("unregistering a never-registered session should be a no-op")
	}
	if reg.Unregister(nil) {
		t.Fatal("unregistering nil should be a no-op")
	}

	reg.Register(s)
	if !reg.Unregister(s) {
		t.Fatal("expected unregister to remove the mapping")
	}
	if reg.Online("U1") {
		t.Fatal("U1 should be offline")
	}
	if reg.Unregister(s) {
		t.Fatal("second unregister should be a no-op")
	}
}

func TestRegistryIdentitiesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, id := range []string{"U3", "U1", "U2"} {
		reg.Register(NewSession(protocol.Identity{ID: id}, 1, 0))
	}
	ids := reg.Identities()
	if len(ids) != 3 || ids[0].ID != "U1" || ids[2].ID != "U3" {
		t.Fatalf("unexpected identities: %#v", ids)
	}
}

func TestSessionSendAfterCloseFails(t *testing.T) {
	s := NewSession(protocol.Identity{ID: "U1"}, 1, 0)
	s.Close()
	s.Close()
	if s.Send(protocol.Envelope{Type: protocol.TypeMessage}) {
		t.Fatal("send on closed session should fail")
	}
	if _, ok := <-s.Outbound(); ok {
		t.Fatal("outbound channel should be closed")
	}
}

func TestSessionSendTimesOutWhenFull(t *testing.T) {
	s := NewSession(protocol.Identity{ID: "U1"}, 1, 10*time.Millisecond)
	if !s.Send(protocol.Envelope{Type: protocol.TypeMessage}) {
		t.Fatal("first send should fit the buffer")
	}
	start := time.Now()
	if s.Send(protocol.Envelope{Type: protocol.TypeMessage}) {
		t.Fatal("second send should time out")
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("send returned before the timeout elapsed")
	}
}
