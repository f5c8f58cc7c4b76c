package websocket

import (
	"fmt"

	"github.com/google/uuid"
)

type SocketMessageType int

const (
	Update SocketMessageType = iota
	Command
	Response
	ErrorResponse
	Welcome
)

// SocketMessage is the envelope for everything sent over the activity socket.
// The Id field is echoed back in replies so that the client can pair
// a response with the command that caused it. Origin and Target are
// never serialized; they route replies to the correct client.
type SocketMessage struct {
	Title  string                 `json:"title"`
	Body   map[string]interface{} `json:"arguments"`
	Id     int                    `json:"id"`
	Type   SocketMessageType      `json:"type"`
	Origin *uuid.UUID             `json:"-"`
	Target *uuid.UUID             `json:"-"`
}

// ValidateArguments checks that every key in required is present in the
// message body and holds a value of the named kind. Supported kinds are
// "number", "string" and "uuid".
func (message *SocketMessage) ValidateArguments(required map[string]string) error {
	const errFmt = "argument '%v' must be a %v (got %#v)"

	for key, kind := range required {
		v, ok := message.Body[key]
		if !ok {
			return fmt.Errorf("argument '%v' is missing", key)
		}

		switch kind {
		case "number", "int":
			if _, ok := v.(float64); !ok {
				return fmt.Errorf(errFmt, key, kind, v)
			}
		case "string":
			if s, ok := v.(string); !ok || s == "" {
				return fmt.Errorf(errFmt, key, kind, v)
			}
		case "uuid":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf(errFmt, key, kind, v)
			} else if _, err := uuid.Parse(s); err != nil {
				return fmt.Errorf(errFmt, key, kind, v)
			}
		default:
			return fmt.Errorf("argument '%v' has unknown kind '%v'", key, kind)
		}
	}

	return nil
}

// FormReply returns a NEW message targeted at the origin of this message,
// carrying the same Id so the client can correlate it.
func (message *SocketMessage) FormReply(replyTitle string, replyBody map[string]interface{}, replyType SocketMessageType) *SocketMessage {
	if replyBody == nil {
		replyBody = make(map[string]interface{})
	}
	replyBody["command"] = message.Body

	return &SocketMessage{
		Title:  replyTitle,
		Body:   replyBody,
		Type:   replyType,
		Id:     message.Id,
		Target: message.Origin,
	}
}
