package protocol

// Event types used by the websocket protocol.
const (
	TypeAuth           = "auth"
	TypeAuthenticated  = "authenticated"
	TypeCreateRoom     = "create-room"
	TypeRoomCreated    = "room-created"
	TypeRoomUpdate     = "room-update"
	TypeJoinRoom       = "join-room"
	TypeLeaveRoom      = "leave-room"
	TypeMessage        = "message"
	TypeTyping         = "typing"
	TypeReadReceipt    = "read-receipt"
	TypeReaction       = "reaction"
	TypeRemoveReaction = "remove-reaction"
	TypePresence       = "presence"
	TypeLinkPreview    = "link-preview"
)

// Room kinds.
const (
	RoomDirect = "direct"
	RoomGroup  = "group"
)

// Message content types.
const (
	MessageText   = "text"
	MessageFile   = "file"
	MessageImage  = "image"
	MessageSystem = "system"
)

// Envelope is the JSON event exchanged over websocket in both directions.
// Outbound events reuse the inbound shape so the relay echoes rather than
// transforms.
type Envelope struct {
	Type           string       `json:"type"`
	Token          string       `json:"token,omitempty"`
	Room           *Room        `json:"room,omitempty"`
	ParticipantIDs []string     `json:"participantIds,omitempty"`
	RoomID         string       `json:"roomId,omitempty"`
	Message        *ChatMessage `json:"message,omitempty"`
	MessageIDs     []string     `json:"messageIds,omitempty"`
	MessageID      string       `json:"messageId,omitempty"`
	UserID         string       `json:"userId,omitempty"`
	Emoji          string       `json:"emoji,omitempty"`
	Identity       *Identity    `json:"identity,omitempty"`
	DisplayName    string       `json:"displayName,omitempty"`
	IsTyping       *bool        `json:"isTyping,omitempty"`
	Online         *bool        `json:"online,omitempty"`
	Preview        *LinkPreview `json:"preview,omitempty"`
}

// Identity is a resolved, authenticated user.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role,omitempty"`
}

// Room describes a room on the wire. Members is only populated on
// room-update events.
type Room struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Type           string   `json:"type"`
	ParticipantIDs []string `json:"participantIds,omitempty"`
	Members        []string `json:"members,omitempty"`
	CreatedAt      int64    `json:"createdAt,omitempty"`
}

// ChatMessage is one chat message. CreatedAt is Unix milliseconds.
type ChatMessage struct {
	ID         string `json:"id"`
	RoomID     string `json:"roomId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	FileURL    string `json:"fileUrl,omitempty"`
	FileName   string `json:"fileName,omitempty"`
	FileSize   int64  `json:"fileSize,omitempty"`
	ReplyTo    string `json:"replyTo,omitempty"`
	CreatedAt  int64  `json:"createdAt,omitempty"`
}

// LinkPreview is OpenGraph metadata for a link found in a message.
type LinkPreview struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
	SiteName    string `json:"siteName,omitempty"`
}

// Bool returns a pointer to v, for the optional boolean fields.
func Bool(v bool) *bool {
	return &v
}
