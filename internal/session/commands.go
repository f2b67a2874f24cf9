package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
)

// Inbound frame discriminators.
const (
	inboundMessage            = "message"
	inboundEdit               = "edit"
	inboundDelete             = "delete"
	inboundDeleteAll          = "deleteAll"
	inboundUserVisibility     = "user_visibility"
	inboundRequestPeekingList = "request_peeking_list"
	inboundVoiceAction        = "voice-channel-action"
)

var errMalformedFrame = errors.New("malformed frame")

// inboundFrame is the union of every field a client frame may carry.
type inboundFrame struct {
	Type        string          `json:"type"`
	Action      string          `json:"action"`
	Content     json.RawMessage `json:"content"`
	MessageID   string          `json:"messageId"`
	FileMeta    *chat.FileMeta  `json:"fileMeta"`
	UserID      string          `json:"userId"`
	AgoraUID    json.RawMessage `json:"agoraUid"`
	IsVisible   *bool           `json:"isVisible"`
	DisplayName string          `json:"displayName"`
}

type command interface {
	name() string
}

type sendMessageCommand struct {
	content  json.RawMessage
	fileMeta *chat.FileMeta
}

type editMessageCommand struct {
	messageID string
	content   json.RawMessage
	fileMeta  *chat.FileMeta
}

type deleteMessageCommand struct {
	messageID string
}

type deleteAllCommand struct{}

type visibilityCommand struct {
	visible *bool
}

type peekingListCommand struct{}

type voiceActionCommand struct {
	userID      string
	agoraUID    json.RawMessage
	action      string
	displayName string
}

type unsupportedCommand struct {
	frameType string
}

func (sendMessageCommand) name() string   { return inboundMessage }
func (editMessageCommand) name() string   { return inboundEdit }
func (deleteMessageCommand) name() string { return inboundDelete }
func (deleteAllCommand) name() string     { return inboundDeleteAll }
func (visibilityCommand) name() string    { return inboundUserVisibility }
func (peekingListCommand) name() string   { return inboundRequestPeekingList }
func (voiceActionCommand) name() string   { return inboundVoiceAction }
func (unsupportedCommand) name() string   { return "unsupported" }

// parseCommand decodes a client frame. The legacy "action" field selects edit or
// delete only when "type" is absent; a frame with neither is a chat message.
func parseCommand(raw []byte) (command, error) {
	var frame inboundFrame
	decoder := json.NewDecoder(bytes.NewReader(raw))
	if err := decoder.Decode(&frame); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	discriminator := strings.TrimSpace(frame.Type)
	if discriminator == "" {
		switch frame.Action {
		case inboundEdit, inboundDelete:
			discriminator = frame.Action
		case "":
			discriminator = inboundMessage
		default:
			return unsupportedCommand{frameType: frame.Action}, nil
		}
	}

	switch discriminator {
	case inboundMessage:
		return sendMessageCommand{content: frame.Content, fileMeta: frame.FileMeta}, nil
	case inboundEdit:
		return editMessageCommand{messageID: frame.MessageID, content: frame.Content, fileMeta: frame.FileMeta}, nil
	case inboundDelete:
		return deleteMessageCommand{messageID: frame.MessageID}, nil
	case inboundDeleteAll:
		return deleteAllCommand{}, nil
	case inboundUserVisibility:
		return visibilityCommand{visible: visibilityFlag(frame)}, nil
	case inboundRequestPeekingList:
		return peekingListCommand{}, nil
	case inboundVoiceAction:
		return voiceActionCommand{
			userID:      frame.UserID,
			agoraUID:    frame.AgoraUID,
			action:      frame.Action,
			displayName: frame.DisplayName,
		}, nil
	default:
		return unsupportedCommand{frameType: discriminator}, nil
	}
}

// visibilityFlag reads isVisible from the content object, falling back to the top level.
func visibilityFlag(frame inboundFrame) *bool {
	if len(frame.Content) > 0 {
		var body struct {
			IsVisible *bool `json:"isVisible"`
		}
		if err := json.Unmarshal(frame.Content, &body); err == nil && body.IsVisible != nil {
			return body.IsVisible
		}
	}
	return frame.IsVisible
}

// hasContent reports whether content carries a non-empty value.
func hasContent(content json.RawMessage) bool {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return false
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		return strings.TrimSpace(text) != ""
	}
	return !bytes.Equal(trimmed, []byte("{}")) && !bytes.Equal(trimmed, []byte("[]"))
}

// parseAgoraUID accepts a JSON number in the uint32 range excluding zero.
func parseAgoraUID(raw json.RawMessage) (uint32, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] == '"' {
		return 0, false
	}
	var value json.Number
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return 0, false
	}
	parsed, err := value.Int64()
	if err != nil || parsed <= 0 || parsed > 1<<32-1 {
		return 0, false
	}
	return uint32(parsed), true
}
