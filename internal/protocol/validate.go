package protocol

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Wire-protocol limits.
const (
	MaxIDLength      = 128    // room, message and user ids
	MaxNameLength    = 100    // room display names
	MaxContentLength = 10_000 // bytes in one chat message body
	MaxEmojiLength   = 64     // bytes in one reaction (custom shortcodes included)
	MaxReceiptBatch  = 500    // message ids in one read-receipt event
)

var validate = validator.New()

type authPayload struct {
	Token string `validate:"required"`
}

type createRoomPayload struct {
	ID             string   `validate:"max=128"`
	Name           string   `validate:"max=100"`
	Type           string   `validate:"omitempty,oneof=direct group"`
	ParticipantIDs []string `validate:"max=500,dive,required,max=128"`
}

type roomPayload struct {
	RoomID string `validate:"required,max=128"`
}

type messagePayload struct {
	ID       string `validate:"max=128"`
	RoomID   string `validate:"required,max=128"`
	Content  string `validate:"required_without=FileURL,max=10000"`
	Type     string `validate:"omitempty,oneof=text file image system"`
	FileURL  string `validate:"omitempty,max=2048"`
	FileName string `validate:"max=255"`
	FileSize int64  `validate:"gte=0"`
	ReplyTo  string `validate:"max=128"`
}

type receiptPayload struct {
	MessageIDs []string `validate:"required,min=1,max=500,dive,required,max=128"`
}

type reactionPayload struct {
	MessageID string `validate:"required,max=128"`
	Emoji     string `validate:"required,max=64"`
}

// Validate checks that an inbound envelope carries the fields its type needs.
// Unknown types pass; the router ignores them.
func Validate(env Envelope) error {
	var payload any
	switch env.Type {
	case TypeAuth:
		payload = authPayload{Token: env.Token}
	case TypeCreateRoom:
		if env.Room == nil {
			return fmt.Errorf("%s: room is required", env.Type)
		}
		payload = createRoomPayload{
			ID:             env.Room.ID,
			Name:           env.Room.Name,
			Type:           env.Room.Type,
			ParticipantIDs: append(append([]string(nil), env.Room.ParticipantIDs...), env.ParticipantIDs...),
		}
	case TypeJoinRoom, TypeLeaveRoom, TypeTyping:
		payload = roomPayload{RoomID: env.RoomID}
	case TypeMessage:
		if env.Message == nil {
			return fmt.Errorf("%s: message is required", env.Type)
		}
		m := env.Message
		payload = messagePayload{
			ID:       m.ID,
			RoomID:   m.RoomID,
			Content:  m.Content,
			Type:     m.Type,
			FileURL:  m.FileURL,
			FileName: m.FileName,
			FileSize: m.FileSize,
			ReplyTo:  m.ReplyTo,
		}
	case TypeReadReceipt:
		payload = receiptPayload{MessageIDs: env.MessageIDs}
	case TypeReaction, TypeRemoveReaction:
		payload = reactionPayload{MessageID: env.MessageID, Emoji: env.Emoji}
	default:
		return nil
	}

	if err := validate.Struct(payload); err != nil {
		return fmt.Errorf("%s: %w", env.Type, err)
	}
	return nil
}
