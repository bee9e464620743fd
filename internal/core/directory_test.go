package core

import (
	"errors"
	"testing"

	"wardrelay/internal/protocol"
)

func newTestSession(t *testing.T, reg *Registry, id string) *Session {
	t.Helper()
	s := NewSession(protocol.Identity{ID: id, DisplayName: "name-" + id}, 16, 0)
	reg.Register(s)
	return s
}

func TestJoinUnknownRoomCreatesGroupRoom(t *testing.T) {
	reg := NewRegistry()
	dir := NewDirectory(reg)
	u1 := newTestSession(t, reg, "U1")

	if _, ok := dir.Room("R1"); ok {
		t.Fatal("room should be absent before first join")
	}

	info, created := dir.JoinRoom("R1", u1)
	if !created {
		t.Fatal("expected absent → active transition on first join")
	}
	if info.Kind != protocol.RoomGroup || info.Name != "R1" {
		t.Fatalf("unexpected lazily created room: %#v", info)
	}
	if len(info.Members) != 1 || info.Members[0] != "U1" {
		t.Fatalf("unexpected members: %#v", info.Members)
	}

	_, created = dir.JoinRoom("R1", u1)
	if created {
		t.Fatal("second join must not recreate the room")
	}
}

func TestJoinLeaveIdempotent(t *testing.T) {
	reg := NewRegistry()
	dir := NewDirectory(reg)
	u1 := newTestSession(t, reg, "U1")
	u2 := newTestSession(t, reg, "U2")

	dir.JoinRoom("R1", u2)
	dir.JoinRoom("R1", u1)
	dir.JoinRoom("R1", u1)
	if got := dir.Members("R1"); len(got) != 2 {
		t.Fatalf("double join should count once, got %#v", got)
	}

	if _, ok := dir.LeaveRoom("R1", "U1"); !ok {
		t.Fatal("first leave should remove U1")
	}
	if _, ok := dir.LeaveRoom("R1", "U1"); ok {
		t.Fatal("second leave should be a no-op")
	}
	if got := dir.Members("R1"); len(got) != 1 || got[0] != "U2" {
		t.Fatalf("unexpected members after leave: %#v", got)
	}
}

func TestLeaveLastMemberDropsRoom(t *testing.T) {
	reg := NewRegistry()
	dir := NewDirectory(reg)
	u1 := newTestSession(t, reg, "U1")

	dir.JoinRoom("R1", u1)
	if _, ok := dir.LeaveRoom("R1", "U1"); !ok {
		t.Fatal("leave failed")
	}
	if _, ok := dir.Room("R1"); ok {
		t.Fatal("empty room should be dropped from the directory")
	}
	if dir.Count() != 0 {
		t.Fatalf("expected no rooms, got %d", dir.Count())
	}
	if _, ok := dir.LeaveRoom("R1", "U1"); ok {
		t.Fatal("leave on unknown room should be a no-op")
	}
}

func TestCreateRoomAddsOnlyOnlineMembers(t *testing.T) {
	reg := NewRegistry()
	dir := NewDirectory(reg)
	creator := newTestSession(t, reg, "U1")
	newTestSession(t, reg, "U2")

	info, err := dir.CreateRoom(RoomSpec{ID: "R9", Name: "Ward 9 handover", Kind: protocol.RoomGroup}, creator, []string{"U2", "U3"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(info.Members) != 2 || info.Members[0] != "U1" || info.Members[1] != "U2" {
		t.Fatalf("offline U3 must not be an in-memory member: %#v", info.Members)
	}

	_, err = dir.CreateRoom(RoomSpec{ID: "R9"}, creator, nil)
	if !errors.Is(err, ErrDuplicateRoom) {
		t.Fatalf("expected ErrDuplicateRoom, got %v", err)
	}
}

func TestReleasePrunesDisconnectedSession(t *testing.T) {
	reg := NewRegistry()
	dir := NewDirectory(reg)
	u1 := newTestSession(t, reg, "U1")
	u2 := newTestSession(t, reg, "U2")

	dir.JoinRoom("solo", u1)
	dir.JoinRoom("shared", u1)
	dir.JoinRoom("shared", u2)

	reg.Unregister(u1)
	left := dir.Release(u1)
	if len(left) != 2 || left[0] != "shared" || left[1] != "solo" {
		t.Fatalf("unexpected released rooms: %#v", left)
	}
	if _, ok := dir.Room("solo"); ok {
		t.Fatal("sole-member room should be dropped")
	}
	if got := dir.Members("shared"); len(got) != 1 || got[0] != "U2" {
		t.Fatalf("unexpected shared members: %#v", got)
	}
}

func TestReleaseOfReplacedSessionKeepsMembership(t *testing.T) {
	reg := NewRegistry()
	dir := NewDirectory(reg)
	old := newTestSession(t, reg, "U1")
	dir.JoinRoom("R1", old)

	fresh := NewSession(protocol.Identity{ID: "U1"}, 16, 0)
	if prev := reg.Register(fresh); prev != old {
		t.Fatalf("expected old session to be returned as replaced")
	}
	if reg.Unregister(old) {
		t.Fatal("unregistering a replaced session must not evict its successor")
	}
	if left := dir.Release(old); len(left) != 0 {
		t.Fatalf("replaced session should hand membership over, left %#v", left)
	}
	if !dir.IsMember("R1", "U1") {
		t.Fatal("U1 should still be a member through the live session")
	}
}

func TestSweepPrunesOfflineMembers(t *testing.T) {
	reg := NewRegistry()
	dir := NewDirectory(reg)
	u1 := newTestSession(t, reg, "U1")
	u2 := newTestSession(t, reg, "U2")
	dir.JoinRoom("R1", u1)
	dir.JoinRoom("R1", u2)
	dir.JoinRoom("R2", u2)

	reg.Unregister(u2)
	if pruned := dir.Sweep(); pruned != 2 {
		t.Fatalf("expected 2 pruned entries, got %d", pruned)
	}
	if _, ok := dir.Room("R2"); ok {
		t.Fatal("R2 should be dropped once its only member is pruned")
	}
	if got := dir.Members("R1"); len(got) != 1 || got[0] != "U1" {
		t.Fatalf("unexpected R1 members: %#v", got)
	}
}

func TestRoomsOfListsOnlyThatSession(t *testing.T) {
	reg := NewRegistry()
	dir := NewDirectory(reg)
	u1 := newTestSession(t, reg, "U1")
	u2 := newTestSession(t, reg, "U2")
	dir.JoinRoom("R2", u1)
	dir.JoinRoom("R1", u1)
	dir.JoinRoom("R3", u2)

	if got := dir.RoomsOf(u1); len(got) != 2 || got[0] != "R1" || got[1] != "R2" {
		t.Fatalf("unexpected rooms for U1: %#v", got)
	}

	// A resolve after the identity drops out removes the entry, so the
	// list has to be taken while the session is still registered.
	reg.Unregister(u1)
	dir.Sweep()
	if got := dir.RoomsOf(u1); len(got) != 0 {
		t.Fatalf("pruned session should hold no rooms, got %#v", got)
	}
	if left := dir.Release(u1); len(left) != 0 {
		t.Fatalf("Release after a prune sees nothing, got %#v", left)
	}
}
