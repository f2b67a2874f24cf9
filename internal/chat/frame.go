package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame types carried in the "type" discriminator of outbound frames.
const (
	FrameTypeMessage    = "message"
	FrameTypeSystem     = "system"
	FrameTypeOnlineList = "onlineList"
	FrameTypeJoin       = "join"
	FrameTypeLeave      = "leave"
	FrameTypeError      = "error"
	FrameTypeHistory    = "history"
	FrameTypeVoiceState = "voice-channel-state"
)

// System notice actions.
const (
	SystemActionEdit        = "edit"
	SystemActionDelete      = "delete"
	SystemActionDeleteAll   = "deleteAll"
	SystemActionPeekingList = "peekingList"
)

// FileMeta describes an attachment referenced by a chat message.
type FileMeta struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
	URL      string `json:"url,omitempty"`
}

// Frame is the plaintext form of every message exchanged with clients and persisted in sealed form.
// Content is either a JSON string (chat text, join/leave text, errors) or a JSON object (system notices).
type Frame struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId"`
	UserID    string          `json:"userId"`
	Content   json.RawMessage `json:"content,omitempty"`
	Timestamp int64           `json:"timestamp"`
	FileMeta  *FileMeta       `json:"fileMeta,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

// HistoryItem is a replayed frame tagged with its effective client message id.
type HistoryItem struct {
	Frame
	ID string `json:"id"`
}

// HistoryFrame batches replayed messages for a joining connection.
type HistoryFrame struct {
	Type     string        `json:"type"`
	Messages []HistoryItem `json:"messages"`
}

// VoiceStateFrame announces a participant's voice channel state change.
type VoiceStateFrame struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	AgoraUID    uint32 `json:"agoraUid"`
	Action      string `json:"action"`
	DisplayName string `json:"displayName,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// NowMillis converts a clock reading into unix milliseconds.
func NowMillis(clock func() time.Time) int64 {
	if clock == nil {
		clock = time.Now
	}
	return clock().UnixMilli()
}

// TextContent encodes text as a JSON string content value.
func TextContent(text string) json.RawMessage {
	encoded, _ := json.Marshal(text)
	return encoded
}

// Text returns the frame content as text when it is a JSON string.
func (f Frame) Text() (string, bool) {
	if len(f.Content) == 0 {
		return "", false
	}
	var text string
	if err := json.Unmarshal(f.Content, &text); err != nil {
		return "", false
	}
	return text, true
}

// Clone returns a copy that shares no mutable buffers with f.
func (f Frame) Clone() Frame {
	out := f
	if f.Content != nil {
		out.Content = append(json.RawMessage(nil), f.Content...)
	}
	if f.FileMeta != nil {
		meta := *f.FileMeta
		out.FileMeta = &meta
	}
	return out
}

// NewErrorFrame builds an error frame addressed from the system user.
func NewErrorFrame(roomID, message string, now int64) Frame {
	return Frame{
		Type:      FrameTypeError,
		RoomID:    roomID,
		UserID:    SystemUserID,
		Content:   TextContent(message),
		Timestamp: now,
	}
}

// NewSystemFrame builds a system notice whose content is {action, ...extra}.
func NewSystemFrame(roomID, action string, extra map[string]any, now int64) (Frame, error) {
	content := make(map[string]any, len(extra)+1)
	for key, value := range extra {
		content[key] = value
	}
	content["action"] = action
	encoded, err := json.Marshal(content)
	if err != nil {
		return Frame{}, fmt.Errorf("encode system notice %s: %w", action, err)
	}
	return Frame{
		Type:      FrameTypeSystem,
		RoomID:    roomID,
		UserID:    SystemUserID,
		Content:   encoded,
		Timestamp: now,
	}, nil
}

// NewOnlineListFrame builds the presence frame; content is a JSON array encoded as a string.
func NewOnlineListFrame(roomID string, users []string, now int64) Frame {
	if users == nil {
		users = []string{}
	}
	list, _ := json.Marshal(users)
	return Frame{
		Type:      FrameTypeOnlineList,
		RoomID:    roomID,
		UserID:    SystemUserID,
		Content:   TextContent(string(list)),
		Timestamp: now,
	}
}

// NewJoinFrame announces that userID joined roomID.
func NewJoinFrame(roomID, userID string, now int64) Frame {
	return Frame{
		Type:      FrameTypeJoin,
		RoomID:    roomID,
		UserID:    userID,
		Content:   TextContent(fmt.Sprintf("User %s joined the room", userID)),
		Timestamp: now,
	}
}

// NewLeaveFrame announces that userID left roomID.
func NewLeaveFrame(roomID, userID string, now int64) Frame {
	return Frame{
		Type:      FrameTypeLeave,
		RoomID:    roomID,
		UserID:    userID,
		Content:   TextContent(fmt.Sprintf("User %s left the room", userID)),
		Timestamp: now,
	}
}
