package core

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"wardrelay/internal/protocol"
)

var (
	// ErrDuplicateRoom is returned by CreateRoom when the room is already active.
	ErrDuplicateRoom = errors.New("room already exists")
	// ErrUnknownRoom is returned when a room has no in-memory entry.
	ErrUnknownRoom = errors.New("room not found")
)

// RoomInfo is a snapshot of one active room.
type RoomInfo struct {
	ID        string
	Name      string
	Kind      string
	CreatedAt time.Time
	Members   []string
}

// Wire converts the snapshot to its protocol form. Members are included only
// when withMembers is set.
func (ri RoomInfo) Wire(withMembers bool) protocol.Room {
	out := protocol.Room{
		ID:        ri.ID,
		Name:      ri.Name,
		Type:      ri.Kind,
		CreatedAt: ri.CreatedAt.UnixMilli(),
	}
	if withMembers {
		out.Members = ri.Members
	}
	return out
}

// RoomSpec is the requested shape of a new room.
type RoomSpec struct {
	ID   string
	Name string
	Kind string
}

// room is one active room. Its mutex serializes membership changes and
// broadcasts, so every member sees the same event order. A room whose member
// set drains is marked deleted and dropped from the directory; holders of a
// stale pointer must check deleted after locking.
type room struct {
	mu        sync.Mutex
	id        string
	name      string
	kind      string
	createdAt time.Time
	members   map[string]*Session
	deleted   bool
}

func (rm *room) infoLocked() RoomInfo {
	members := lo.Keys(rm.members)
	sort.Strings(members)
	return RoomInfo{
		ID:        rm.id,
		Name:      rm.name,
		Kind:      rm.kind,
		CreatedAt: rm.createdAt,
		Members:   members,
	}
}

// Directory is the in-memory room table. It is authoritative for who is
// currently listening in a room, not for durable membership.
//
// Lock order is room.mu before Directory.mu; Directory.mu is only held for map
// access so operations on distinct rooms never contend.
type Directory struct {
	mu       sync.Mutex
	rooms    map[string]*room
	registry *Registry
	now      func() time.Time
}

// NewDirectory returns an empty directory resolving member sessions through registry.
func NewDirectory(registry *Registry) *Directory {
	return &Directory{
		rooms:    make(map[string]*room),
		registry: registry,
		now:      time.Now,
	}
}

func (d *Directory) lookup(roomID string) *room {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rooms[roomID]
}

// dropLocked removes an emptied room. Caller holds rm.mu.
func (d *Directory) dropLocked(rm *room) {
	rm.deleted = true
	d.mu.Lock()
	if d.rooms[rm.id] == rm {
		delete(d.rooms, rm.id)
	}
	d.mu.Unlock()
	slog.Info("room closed", "room_id", rm.id)
}

// resolveLocked points every member entry at its identity's live session and
// prunes entries with none. It returns the number of pruned entries. Caller
// holds rm.mu.
func (d *Directory) resolveLocked(rm *room) int {
	pruned := 0
	for id, s := range rm.members {
		live, ok := d.registry.Lookup(id)
		switch {
		case !ok:
			delete(rm.members, id)
			pruned++
		case live != s:
			rm.members[id] = live
		}
	}
	return pruned
}

// CreateRoom activates a room with the creator as member plus every initial
// member that is online now. Offline initial members are left to the durable
// store. It returns ErrDuplicateRoom when the id is already active.
func (d *Directory) CreateRoom(spec RoomSpec, creator *Session, initialMemberIDs []string) (RoomInfo, error) {
	spec.ID = strings.TrimSpace(spec.ID)
	if spec.ID == "" {
		return RoomInfo{}, errors.New("room id is required")
	}
	if strings.TrimSpace(spec.Name) == "" {
		spec.Name = spec.ID
	}
	if spec.Kind == "" {
		spec.Kind = protocol.RoomGroup
	}

	rm := &room{
		id:        spec.ID,
		name:      spec.Name,
		kind:      spec.Kind,
		createdAt: d.now(),
		members:   map[string]*Session{creator.ID(): creator},
	}
	for _, id := range initialMemberIDs {
		if live, ok := d.registry.Lookup(id); ok {
			rm.members[id] = live
		}
	}

	// Snapshot before publishing; rm is private until it is in the map.
	info := rm.infoLocked()

	d.mu.Lock()
	if _, exists := d.rooms[spec.ID]; exists {
		d.mu.Unlock()
		return RoomInfo{}, ErrDuplicateRoom
	}
	d.rooms[spec.ID] = rm
	d.mu.Unlock()

	slog.Info("room created", "room_id", spec.ID, "kind", spec.Kind, "creator", creator.ID(), "online_members", len(info.Members))
	return info, nil
}

// JoinRoom adds s to roomID, replacing any stale entry for the same identity.
// An unknown room moves from absent to active as a group room named after its
// id; created reports that transition.
func (d *Directory) JoinRoom(roomID string, s *Session) (info RoomInfo, created bool) {
	for {
		created = false
		d.mu.Lock()
		rm, ok := d.rooms[roomID]
		if !ok {
			rm = &room{
				id:        roomID,
				name:      roomID,
				kind:      protocol.RoomGroup,
				createdAt: d.now(),
				members:   make(map[string]*Session),
			}
			d.rooms[roomID] = rm
			created = true
		}
		d.mu.Unlock()

		rm.mu.Lock()
		if rm.deleted {
			// Drained and dropped between lookup and lock; start over.
			rm.mu.Unlock()
			continue
		}
		d.resolveLocked(rm)
		rm.members[s.ID()] = s
		info = rm.infoLocked()
		rm.mu.Unlock()

		slog.Debug("room joined", "room_id", roomID, "user_id", s.ID(), "created", created, "members", len(info.Members))
		return info, created
	}
}

// LeaveRoom removes identityID from roomID. The room is dropped from the
// directory when its member set becomes empty. Leaving an unknown room or a
// room the identity is not in is a no-op and reports false.
func (d *Directory) LeaveRoom(roomID, identityID string) (RoomInfo, bool) {
	rm := d.lookup(roomID)
	if rm == nil {
		return RoomInfo{}, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.deleted {
		return RoomInfo{}, false
	}
	if _, ok := rm.members[identityID]; !ok {
		return RoomInfo{}, false
	}
	delete(rm.members, identityID)
	d.resolveLocked(rm)
	info := rm.infoLocked()
	if len(rm.members) == 0 {
		d.dropLocked(rm)
	}

	slog.Debug("room left", "room_id", roomID, "user_id", identityID, "members", len(info.Members))
	return info, true
}

// RoomsOf returns the ids of rooms whose entry for s's identity is s itself.
func (d *Directory) RoomsOf(s *Session) []string {
	var out []string
	for _, rm := range d.snapshot() {
		rm.mu.Lock()
		if !rm.deleted && rm.members[s.ID()] == s {
			out = append(out, rm.id)
		}
		rm.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// Release detaches a closing session from every room it is in. Entries for
// an identity that has since re-registered are moved to the live session
// instead of being removed. It returns the ids of rooms the identity left.
func (d *Directory) Release(s *Session) []string {
	var left []string
	for _, rm := range d.snapshot() {
		rm.mu.Lock()
		if rm.deleted || rm.members[s.ID()] != s {
			rm.mu.Unlock()
			continue
		}
		if live, ok := d.registry.Lookup(s.ID()); ok && live != s {
			rm.members[s.ID()] = live
			rm.mu.Unlock()
			continue
		}
		delete(rm.members, s.ID())
		left = append(left, rm.id)
		if len(rm.members) == 0 {
			d.dropLocked(rm)
		}
		rm.mu.Unlock()
	}
	sort.Strings(left)
	return left
}

// Sweep resolves every room against the registry, pruning entries whose
// identity is offline and dropping rooms left empty. It returns the number
// of pruned entries.
func (d *Directory) Sweep() int {
	pruned := 0
	for _, rm := range d.snapshot() {
		rm.mu.Lock()
		if !rm.deleted {
			pruned += d.resolveLocked(rm)
			if len(rm.members) == 0 {
				d.dropLocked(rm)
			}
		}
		rm.mu.Unlock()
	}
	if pruned > 0 {
		slog.Debug("directory sweep", "pruned", pruned)
	}
	return pruned
}

// Room returns a snapshot of one active room.
func (d *Directory) Room(roomID string) (RoomInfo, bool) {
	rm := d.lookup(roomID)
	if rm == nil {
		return RoomInfo{}, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.deleted {
		return RoomInfo{}, false
	}
	return rm.infoLocked(), true
}

// Members returns the identities currently in roomID.
func (d *Directory) Members(roomID string) []string {
	info, ok := d.Room(roomID)
	if !ok {
		return nil
	}
	return info.Members
}

// IsMember reports whether identityID is currently in roomID.
func (d *Directory) IsMember(roomID, identityID string) bool {
	rm := d.lookup(roomID)
	if rm == nil {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, ok := rm.members[identityID]
	return ok && !rm.deleted
}

// Rooms returns snapshots of all active rooms ordered by id.
func (d *Directory) Rooms() []RoomInfo {
	out := make([]RoomInfo, 0)
	for _, rm := range d.snapshot() {
		rm.mu.Lock()
		if !rm.deleted {
			out = append(out, rm.infoLocked())
		}
		rm.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of active rooms.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms)
}

func (d *Directory) snapshot() []*room {
	d.mu.Lock()
	defer d.mu.Unlock()
	return lo.Values(d.rooms)
}
