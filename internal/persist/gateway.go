// Package persist issues durable writes for relay events. Writes never block
// delivery and are never retried; a failure is logged, counted and dropped.
//
// Writes that touch the same durable key run in the order they were issued:
// each key has a FIFO lane drained by one goroutine, and the lane goes away
// once it is empty. Writes on different keys run concurrently.
package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"wardrelay/internal/metrics"
	"wardrelay/internal/protocol"
	"wardrelay/internal/store"
)

// Operation names, used as the op label on persistence metrics.
const (
	OpCreateRoom     = "create_room"
	OpJoinRoom       = "join_room"
	OpLeaveRoom      = "leave_room"
	OpMessage        = "message"
	OpReadReceipt    = "read_receipt"
	OpReaction       = "reaction"
	OpRemoveReaction = "remove_reaction"
)

// Store is the durable store as seen by the gateway.
type Store interface {
	UpsertRoom(ctx context.Context, r store.Room) error
	EnsureRoom(ctx context.Context, r store.Room) (bool, error)
	UpsertParticipant(ctx context.Context, p store.Participant) error
	DeactivateParticipant(ctx context.Context, roomID, userID string) (bool, error)
	InsertMessage(ctx context.Context, m store.Message) (bool, error)
	InsertReadReceipts(ctx context.Context, userID string, messageIDs []string, readAt int64) (int, error)
	AddReaction(ctx context.Context, r store.Reaction) (bool, error)
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error)
}

// Gateway runs durable writes asynchronously.
type Gateway struct {
	store   Store
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	closed bool
	lanes  map[string]*lane
	wg     sync.WaitGroup
}

// lane is the pending writes for one key. Guarded by Gateway.mu.
type lane struct {
	pending []func()
}

// Lane keys. Membership, room rows and messages share the room lane so a
// join, leave and rejoin land in order and a message never beats its room.
func roomKey(roomID string) string { return "room\x00" + roomID }

func receiptKey(userID string) string { return "receipt\x00" + userID }

func reactionKey(messageID, userID, emoji string) string {
	return "reaction\x00" + messageID + "\x00" + userID + "\x00" + emoji
}

// New returns a gateway writing to st. m may be nil.
func New(st Store, m *metrics.Metrics) *Gateway {
	return &Gateway{
		store:   st,
		metrics: m,
		now:     time.Now,
		lanes:   make(map[string]*lane),
	}
}

// enqueue appends fn to the lane for key, starting a drainer when the lane
// is idle. It never waits on the store. The context handed to fn belongs to
// no connection and has no deadline; a slow store slows only its own lane.
func (g *Gateway) enqueue(op, key string, attrs []any, fn func(ctx context.Context) error) {
	task := func() {
		start := time.Now()
		err := fn(context.Background())
		g.metrics.Persisted(op, time.Since(start), err)
		if err != nil {
			slog.Error("persist failed", append([]any{"op", op, "err", err}, attrs...)...)
			return
		}
		slog.Debug("persisted", append([]any{"op", op, "took", time.Since(start)}, attrs...)...)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		slog.Warn("persist after close dropped", append([]any{"op", op}, attrs...)...)
		return
	}
	if l, ok := g.lanes[key]; ok {
		l.pending = append(l.pending, task)
		return
	}

	l := &lane{pending: []func(){task}}
	g.lanes[key] = l
	g.wg.Add(1)
	go g.drain(key, l)
}

// drain runs a lane's writes one at a time until it is empty.
func (g *Gateway) drain(key string, l *lane) {
	defer g.wg.Done()
	for {
		g.mu.Lock()
		if len(l.pending) == 0 {
			delete(g.lanes, key)
			g.mu.Unlock()
			return
		}
		task := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		g.mu.Unlock()

		task()
	}
}

// CreateRoom upserts the room and a participant row for the creator (admin)
// and every initial member, online or not.
func (g *Gateway) CreateRoom(room protocol.Room, creatorID string, memberIDs []string) {
	now := g.now().UnixMilli()
	createdAt := room.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}
	members := lo.Without(lo.Uniq(memberIDs), creatorID, "")

	g.enqueue(OpCreateRoom, roomKey(room.ID), []any{"room_id", room.ID, "user_id", creatorID}, func(ctx context.Context) error {
		if err := g.store.UpsertRoom(ctx, store.Room{
			ID:        room.ID,
			Name:      room.Name,
			Type:      room.Type,
			CreatedBy: creatorID,
			CreatedAt: createdAt,
		}); err != nil {
			return err
		}
		if err := g.store.UpsertParticipant(ctx, store.Participant{RoomID: room.ID, UserID: creatorID, IsAdmin: true, JoinedAt: now}); err != nil {
			return err
		}
		for _, id := range members {
			if err := g.store.UpsertParticipant(ctx, store.Participant{RoomID: room.ID, UserID: id, JoinedAt: now}); err != nil {
				return err
			}
		}
		return nil
	})
}

// JoinRoom ensures the room row exists and marks userID an active participant.
func (g *Gateway) JoinRoom(roomID, userID string) {
	now := g.now().UnixMilli()
	g.enqueue(OpJoinRoom, roomKey(roomID), []any{"room_id", roomID, "user_id", userID}, func(ctx context.Context) error {
		if _, err := g.store.EnsureRoom(ctx, store.Room{
			ID:        roomID,
			Name:      roomID,
			Type:      protocol.RoomGroup,
			CreatedBy: userID,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return g.store.UpsertParticipant(ctx, store.Participant{RoomID: roomID, UserID: userID, JoinedAt: now})
	})
}

// LeaveRoom marks userID's participant row inactive.
func (g *Gateway) LeaveRoom(roomID, userID string) {
	g.enqueue(OpLeaveRoom, roomKey(roomID), []any{"room_id", roomID, "user_id", userID}, func(ctx context.Context) error {
		_, err := g.store.DeactivateParticipant(ctx, roomID, userID)
		return err
	})
}

// Message stores msg. A message id seen before writes nothing.
func (g *Gateway) Message(msg protocol.ChatMessage) {
	row := store.Message{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Type:      msg.Type,
		FileURL:   msg.FileURL,
		FileName:  msg.FileName,
		FileSize:  msg.FileSize,
		ReplyTo:   msg.ReplyTo,
		CreatedAt: msg.CreatedAt,
	}
	g.enqueue(OpMessage, roomKey(msg.RoomID), []any{"room_id", msg.RoomID, "msg_id", msg.ID}, func(ctx context.Context) error {
		inserted, err := g.store.InsertMessage(ctx, row)
		if err == nil && !inserted {
			slog.Debug("duplicate message skipped", "msg_id", row.ID)
		}
		return err
	})
}

// ReadReceipts records that userID read every id in messageIDs.
func (g *Gateway) ReadReceipts(userID string, messageIDs []string) {
	ids := lo.Uniq(messageIDs)
	readAt := g.now().UnixMilli()
	g.enqueue(OpReadReceipt, receiptKey(userID), []any{"user_id", userID, "count", len(ids)}, func(ctx context.Context) error {
		_, err := g.store.InsertReadReceipts(ctx, userID, ids, readAt)
		return err
	})
}

// Reaction adds one (message, user, emoji) tuple.
func (g *Gateway) Reaction(messageID, userID, emoji string) {
	row := store.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: g.now().UnixMilli()}
	g.enqueue(OpReaction, reactionKey(messageID, userID, emoji), []any{"msg_id", messageID, "user_id", userID}, func(ctx context.Context) error {
		_, err := g.store.AddReaction(ctx, row)
		return err
	})
}

// RemoveReaction deletes exactly that (message, user, emoji) tuple.
func (g *Gateway) RemoveReaction(messageID, userID, emoji string) {
	g.enqueue(OpRemoveReaction, reactionKey(messageID, userID, emoji), []any{"msg_id", messageID, "user_id", userID}, func(ctx context.Context) error {
		_, err := g.store.RemoveReaction(ctx, messageID, userID, emoji)
		return err
	})
}

// Flush waits for every write issued so far.
func (g *Gateway) Flush() {
	g.wg.Wait()
}

// Close stops accepting writes and waits for queued ones until ctx is done.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("persist gateway drained")
		return nil
	case <-ctx.Done():
		slog.Warn("persist gateway drain timed out", "err", ctx.Err())
		return ctx.Err()
	}
}
