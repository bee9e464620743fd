package core

import (
	"log/slog"

	"wardrelay/internal/metrics"
	"wardrelay/internal/protocol"
)

// Broadcaster fans events out to the live sessions of a room.
type Broadcaster struct {
	dir     *Directory
	reg     *Registry
	metrics *metrics.Metrics
}

// NewBroadcaster binds a broadcaster to a directory and its registry. m may be nil.
func NewBroadcaster(dir *Directory, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{dir: dir, reg: dir.registry, metrics: m}
}

// Broadcast enqueues env on every open session in roomID except
// excludeIdentity (empty excludes nobody) and returns the number of sessions
// reached. The room lock is held for the whole fan-out, which gives every
// member the same event order for that room. Closed sessions are skipped;
// their disconnect prunes them separately.
func (b *Broadcaster) Broadcast(roomID string, env protocol.Envelope, excludeIdentity string) (int, error) {
	rm := b.dir.lookup(roomID)
	if rm == nil {
		return 0, ErrUnknownRoom
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.deleted {
		return 0, ErrUnknownRoom
	}

	b.dir.resolveLocked(rm)
	sent, dropped := 0, 0
	for id, s := range rm.members {
		if excludeIdentity != "" && id == excludeIdentity {
			continue
		}
		if !s.Open() {
			continue
		}
		if s.Send(env) {
			sent++
		} else {
			dropped++
		}
	}
	if len(rm.members) == 0 {
		b.dir.dropLocked(rm)
	}

	b.metrics.Delivered(sent, dropped)
	slog.Debug("broadcast", "type", env.Type, "room_id", roomID, "recipients", sent, "dropped", dropped)
	return sent, nil
}

// BroadcastAll enqueues env on every live session except excludeIdentity.
func (b *Broadcaster) BroadcastAll(env protocol.Envelope, excludeIdentity string) int {
	sent, dropped := 0, 0
	for _, s := range b.reg.Sessions() {
		if excludeIdentity != "" && s.ID() == excludeIdentity {
			continue
		}
		if s.Send(env) {
			sent++
		} else if s.Open() {
			dropped++
		}
	}

	b.metrics.Delivered(sent, dropped)
	slog.Debug("broadcast_all", "type", env.Type, "recipients", sent, "dropped", dropped)
	return sent
}

// SendTo enqueues env on one identity's live session.
func (b *Broadcaster) SendTo(identityID string, env protocol.Envelope) bool {
	s, ok := b.reg.Lookup(identityID)
	if !ok {
		return false
	}
	return s.Send(env)
}
