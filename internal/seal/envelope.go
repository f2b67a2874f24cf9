package seal

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
)

// Envelope is the wire and log form of a sealed frame. Only routing metadata stays in clear.
type Envelope struct {
	Type      string  `json:"type"`
	RoomID    string  `json:"roomId"`
	UserID    string  `json:"userId"`
	Timestamp int64   `json:"timestamp"`
	Encrypted bool    `json:"encrypted"`
	Payload   Payload `json:"payload"`
}

// SealFrame encrypts frame under key.
func SealFrame(frame chat.Frame, key chat.RoomKey) (Envelope, error) {
	payload, err := SealFields(Plaintext{
		Content:   frame.Content,
		Type:      frame.Type,
		Timestamp: frame.Timestamp,
		FileMeta:  frame.FileMeta,
		MessageID: frame.MessageID,
	}, key, AssociatedData(frame.RoomID, frame.UserID))
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      frame.Type,
		RoomID:    frame.RoomID,
		UserID:    frame.UserID,
		Timestamp: frame.Timestamp,
		Encrypted: true,
		Payload:   payload,
	}, nil
}

// OpenEnvelope decrypts envelope into the plaintext frame.
func OpenEnvelope(envelope Envelope, key chat.RoomKey) (chat.Frame, error) {
	if !envelope.Encrypted {
		return chat.Frame{}, fmt.Errorf("%w: envelope is not encrypted", chat.ErrDecrypt)
	}
	fields, err := OpenFields(envelope.Payload, key, AssociatedData(envelope.RoomID, envelope.UserID))
	if err != nil {
		return chat.Frame{}, err
	}
	return chat.Frame{
		Type:      fields.Type,
		RoomID:    envelope.RoomID,
		UserID:    envelope.UserID,
		Content:   fields.Content,
		Timestamp: fields.Timestamp,
		FileMeta:  fields.FileMeta,
		MessageID: fields.MessageID,
	}, nil
}

// SealFrameBytes seals frame and returns the serialized envelope.
func SealFrameBytes(frame chat.Frame, key chat.RoomKey) ([]byte, error) {
	envelope, err := SealFrame(frame, key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope)
}

// ParseEnvelope decodes a serialized envelope. Malformed input wraps chat.ErrDecrypt.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: malformed envelope: %v", chat.ErrDecrypt, err)
	}
	return envelope, nil
}

// OpenBytes parses and decrypts a serialized envelope.
func OpenBytes(raw []byte, key chat.RoomKey) (chat.Frame, error) {
	envelope, err := ParseEnvelope(raw)
	if err != nil {
		return chat.Frame{}, err
	}
	return OpenEnvelope(envelope, key)
}

// Header holds the clear routing fields of any serialized frame without decrypting it.
type Header struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	Encrypted bool   `json:"encrypted"`
}

// ReadHeader decodes the clear routing fields of raw.
func ReadHeader(raw []byte) (Header, error) {
	var header Header
	if err := json.Unmarshal(raw, &header); err != nil {
		return Header{}, err
	}
	return header, nil
}
