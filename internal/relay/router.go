// Package relay routes inbound websocket events. Router is the only component
// that touches both the in-memory room directory and the persistence gateway
// for an event, and it issues the durable write and the broadcast
// independently of each other.
package relay

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"wardrelay/internal/core"
	"wardrelay/internal/identity"
	"wardrelay/internal/linkpreview"
	"wardrelay/internal/metrics"
	"wardrelay/internal/protocol"
)

// Persister receives one durable write per event kind. Implementations must
// not block the caller.
type Persister interface {
	CreateRoom(room protocol.Room, creatorID string, memberIDs []string)
	JoinRoom(roomID, userID string)
	LeaveRoom(roomID, userID string)
	Message(msg protocol.ChatMessage)
	ReadReceipts(userID string, messageIDs []string)
	Reaction(messageID, userID, emoji string)
	RemoveReaction(messageID, userID, emoji string)
}

// Previewer fetches link metadata for message text. Optional.
type Previewer interface {
	Fetch(ctx context.Context, rawURL string) (protocol.LinkPreview, error)
}

// Deps wires a Router to the rest of the relay.
type Deps struct {
	Resolver    identity.Resolver
	Registry    *core.Registry
	Directory   *core.Directory
	Broadcaster *core.Broadcaster
	Persister   Persister
	Metrics     *metrics.Metrics
	Previews    Previewer

	// SendBuffer and SendTimeout size each new session's outbound queue.
	SendBuffer  int
	SendTimeout time.Duration
}

// Conn is one transport's routing state. Calls for the same Conn must not
// overlap; the transport reads events one at a time.
type Conn struct {
	Remote  string
	session *core.Session
}

// NewConn returns unauthenticated state for a transport.
func NewConn(remote string) *Conn {
	return &Conn{Remote: remote}
}

// Session returns the authenticated session, or nil before auth.
func (c *Conn) Session() *core.Session {
	return c.session
}

// Router dispatches each inbound event to exactly one handler.
type Router struct {
	Deps
	now func() time.Time

	// Background work (link previews) runs under ctx and is tracked by wg
	// until Close.
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRouter returns a router over deps.
func NewRouter(deps Deps) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{Deps: deps, now: time.Now, ctx: ctx, cancel: cancel}
}

// Close cancels background work and waits for it until ctx is done. Events
// handled afterwards start none.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// goBackground runs fn in a tracked goroutine unless the router is closed.
func (r *Router) goBackground(fn func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(r.ctx)
	}()
}

// Handle processes one inbound event. Unknown kinds are ignored. Events that
// arrive before a successful auth are dropped without reply, as are events
// that fail payload validation.
func (r *Router) Handle(ctx context.Context, c *Conn, env protocol.Envelope) {
	if env.Type != protocol.TypeAuth && c.session == nil {
		slog.Debug("event before auth dropped", "remote", c.Remote, "type", env.Type)
		return
	}
	if err := protocol.Validate(env); err != nil {
		r.Metrics.Malformed()
		slog.Warn("invalid event dropped", "remote", c.Remote, "type", env.Type, "err", err)
		return
	}

	switch env.Type {
	case protocol.TypeAuth:
		r.handleAuth(ctx, c, env)
	case protocol.TypeCreateRoom:
		r.handleCreateRoom(c.session, env)
	case protocol.TypeJoinRoom:
		r.join(c.session, env.RoomID)
	case protocol.TypeLeaveRoom:
		r.handleLeaveRoom(c.session, env)
	case protocol.TypeMessage:
		r.handleMessage(c.session, env)
	case protocol.TypeTyping:
		r.handleTyping(c.session, env)
	case protocol.TypeReadReceipt:
		r.handleReadReceipt(c.session, env)
	case protocol.TypeReaction, protocol.TypeRemoveReaction:
		r.handleReaction(c.session, env)
	default:
		slog.Debug("unknown event ignored", "remote", c.Remote, "type", env.Type)
		return
	}
	r.Metrics.Event(env.Type)
}

func (r *Router) handleAuth(ctx context.Context, c *Conn, env protocol.Envelope) {
	if c.session != nil {
		slog.Debug("repeat auth ignored", "user_id", c.session.ID())
		return
	}
	id, err := r.Resolver.Resolve(ctx, env.Token)
	if err != nil {
		r.Metrics.AuthFailed()
		slog.Warn("auth failed", "remote", c.Remote, "err", err)
		return
	}

	s := core.NewSession(id, r.SendBuffer, r.SendTimeout)
	if prev := r.Registry.Register(s); prev != nil {
		slog.Info("session replaced", "user_id", id.ID, "remote", c.Remote)
	}
	c.session = s

	s.Send(protocol.Envelope{Type: protocol.TypeAuthenticated, Identity: &id})
	r.Broadcaster.BroadcastAll(protocol.Envelope{
		Type:     protocol.TypePresence,
		Identity: &id,
		Online:   protocol.Bool(true),
	}, id.ID)
	slog.Info("authenticated", "user_id", id.ID, "role", id.Role, "remote", c.Remote)
}

func (r *Router) handleCreateRoom(s *core.Session, env protocol.Envelope) {
	req := *env.Room
	if strings.TrimSpace(req.ID) == "" {
		req.ID = uuid.NewString()
	}
	memberIDs := lo.Without(lo.Uniq(append(append([]string(nil), req.ParticipantIDs...), env.ParticipantIDs...)), s.ID(), "")

	info, err := r.Directory.CreateRoom(core.RoomSpec{ID: req.ID, Name: req.Name, Kind: req.Type}, s, memberIDs)
	if err != nil {
		// Already active: the earlier create stands.
		slog.Debug("create-room ignored", "room_id", req.ID, "user_id", s.ID(), "err", err)
		return
	}

	room := info.Wire(true)
	room.ParticipantIDs = append([]string{s.ID()}, memberIDs...)

	r.Persister.CreateRoom(room, s.ID(), memberIDs)
	_, _ = r.Broadcaster.Broadcast(room.ID, protocol.Envelope{Type: protocol.TypeRoomCreated, Room: &room}, "")
}

// join adds s to roomID, creating the room when unknown, and tells the room.
func (r *Router) join(s *core.Session, roomID string) {
	info, created := r.Directory.JoinRoom(roomID, s)
	r.Persister.JoinRoom(roomID, s.ID())

	room := info.Wire(true)
	_, _ = r.Broadcaster.Broadcast(roomID, protocol.Envelope{Type: protocol.TypeRoomUpdate, Room: &room}, "")
	if created {
		slog.Info("room opened by join", "room_id", roomID, "user_id", s.ID())
	}
}

// ensureMember joins s to roomID if it is not already there.
func (r *Router) ensureMember(s *core.Session, roomID string) {
	if roomID == "" || r.Directory.IsMember(roomID, s.ID()) {
		return
	}
	slog.Debug("implicit join", "room_id", roomID, "user_id", s.ID())
	r.join(s, roomID)
}

func (r *Router) handleLeaveRoom(s *core.Session, env protocol.Envelope) {
	r.Persister.LeaveRoom(env.RoomID, s.ID())

	info, ok := r.Directory.LeaveRoom(env.RoomID, s.ID())
	if !ok {
		return
	}
	room := info.Wire(true)
	update := protocol.Envelope{Type: protocol.TypeRoomUpdate, Room: &room}
	s.Send(update)
	_, _ = r.Broadcaster.Broadcast(env.RoomID, update, "")
}

func (r *Router) handleMessage(s *core.Session, env protocol.Envelope) {
	msg := *env.Message
	msg.SenderID = s.ID()
	msg.SenderName = s.Identity.DisplayName
	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Type == "" {
		msg.Type = protocol.MessageText
	}
	if msg.CreatedAt <= 0 {
		msg.CreatedAt = r.now().UnixMilli()
	}

	r.ensureMember(s, msg.RoomID)
	r.Persister.Message(msg)
	_, _ = r.Broadcaster.Broadcast(msg.RoomID, protocol.Envelope{Type: protocol.TypeMessage, Message: &msg}, "")

	if r.Previews != nil && msg.Type == protocol.MessageText {
		if link := linkpreview.FirstURL(msg.Content); link != "" {
			roomID, msgID := msg.RoomID, msg.ID
			r.goBackground(func(ctx context.Context) { r.sendPreview(ctx, roomID, msgID, link) })
		}
	}
}

// sendPreview fetches a link card and fans it out to the room after the
// message itself. Failures are only logged.
func (r *Router) sendPreview(ctx context.Context, roomID, messageID, link string) {
	lp, err := r.Previews.Fetch(ctx, link)
	if err != nil {
		slog.Debug("link preview failed", "room_id", roomID, "url", link, "err", err)
		return
	}
	if lp.Title == "" && lp.Description == "" {
		return
	}
	_, _ = r.Broadcaster.Broadcast(roomID, protocol.Envelope{
		Type:      protocol.TypeLinkPreview,
		RoomID:    roomID,
		MessageID: messageID,
		Preview:   &lp,
	}, "")
}

func (r *Router) handleTyping(s *core.Session, env protocol.Envelope) {
	if !r.Directory.IsMember(env.RoomID, s.ID()) {
		return
	}
	isTyping := env.IsTyping != nil && *env.IsTyping
	id := s.Identity
	_, _ = r.Broadcaster.Broadcast(env.RoomID, protocol.Envelope{
		Type:        protocol.TypeTyping,
		RoomID:      env.RoomID,
		Identity:    &id,
		DisplayName: id.DisplayName,
		IsTyping:    protocol.Bool(isTyping),
	}, s.ID())
}

func (r *Router) handleReadReceipt(s *core.Session, env protocol.Envelope) {
	ids := lo.Uniq(env.MessageIDs)
	r.ensureMember(s, env.RoomID)
	r.Persister.ReadReceipts(s.ID(), ids)
	if env.RoomID == "" {
		return
	}
	_, _ = r.Broadcaster.Broadcast(env.RoomID, protocol.Envelope{
		Type:       protocol.TypeReadReceipt,
		RoomID:     env.RoomID,
		MessageIDs: ids,
		UserID:     s.ID(),
	}, "")
}

func (r *Router) handleReaction(s *core.Session, env protocol.Envelope) {
	r.ensureMember(s, env.RoomID)
	if env.Type == protocol.TypeReaction {
		r.Persister.Reaction(env.MessageID, s.ID(), env.Emoji)
	} else {
		r.Persister.RemoveReaction(env.MessageID, s.ID(), env.Emoji)
	}
	if env.RoomID == "" {
		return
	}
	_, _ = r.Broadcaster.Broadcast(env.RoomID, protocol.Envelope{
		Type:      env.Type,
		RoomID:    env.RoomID,
		MessageID: env.MessageID,
		UserID:    s.ID(),
		Emoji:     env.Emoji,
	}, "")
}

// Disconnect tears down a closing transport: the registry entry goes first,
// then room memberships, then the remaining members and every online session
// hear about it. Safe to call for a transport that never authenticated.
//
// Rooms are collected before unregistering: once the registry entry is gone
// any broadcast may prune the member before Release sees it.
func (r *Router) Disconnect(c *Conn) {
	s := c.session
	if s == nil {
		return
	}
	held := r.Directory.RoomsOf(s)
	wasLive := r.Registry.Unregister(s)
	s.Close()

	affected := r.Directory.Release(s)
	if wasLive {
		affected = lo.Uniq(append(held, affected...))
		sort.Strings(affected)
	}
	for _, roomID := range affected {
		info, ok := r.Directory.Room(roomID)
		if !ok {
			continue
		}
		room := info.Wire(true)
		_, _ = r.Broadcaster.Broadcast(roomID, protocol.Envelope{Type: protocol.TypeRoomUpdate, Room: &room}, "")
	}

	if wasLive {
		id := s.Identity
		r.Broadcaster.BroadcastAll(protocol.Envelope{
			Type:     protocol.TypePresence,
			Identity: &id,
			Online:   protocol.Bool(false),
		}, "")
	}
	slog.Info("disconnected", "user_id", s.ID(), "remote", c.Remote, "was_live", wasLive)
}
