// Package seal implements authenticated encryption of chat frames under a room key.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
)

// CipherAES256GCM names the only supported cipher suite.
const CipherAES256GCM = "AES-256-GCM"

const (
	nonceSize = 12
	tagSize   = 16
)

var (
	// ErrInvalidKey indicates key material of the wrong size.
	ErrInvalidKey = errors.New("seal: invalid key")
)

// Payload is the sealed portion of an envelope. All byte fields are base64.
type Payload struct {
	Cipher     string `json:"cipher"`
	IV         string `json:"iv"`
	Data       string `json:"data"`
	Tag        string `json:"tag"`
	KeyVersion int    `json:"keyVersion,omitempty"`
}

// Plaintext holds the fields folded into the ciphertext.
type Plaintext struct {
	Content   json.RawMessage `json:"content,omitempty"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	FileMeta  *chat.FileMeta  `json:"fileMeta,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

// AssociatedData binds the clear routing metadata to the ciphertext.
func AssociatedData(roomID, userID string) []byte {
	data := make([]byte, 0, len(roomID)+len(userID)+1)
	data = append(data, roomID...)
	data = append(data, 0)
	data = append(data, userID...)
	return data
}

// SealFields encrypts fields under key with a fresh random nonce.
func SealFields(fields Plaintext, key chat.RoomKey, associatedData []byte) (Payload, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return Payload{}, err
	}
	plaintext, err := json.Marshal(fields)
	if err != nil {
		return Payload{}, fmt.Errorf("seal: encode plaintext: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Payload{}, fmt.Errorf("seal: nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, associatedData)
	split := len(sealed) - tagSize
	return Payload{
		Cipher:     CipherAES256GCM,
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Data:       base64.StdEncoding.EncodeToString(sealed[:split]),
		Tag:        base64.StdEncoding.EncodeToString(sealed[split:]),
		KeyVersion: key.Version,
	}, nil
}

// OpenFields verifies and decrypts payload. Any failure wraps chat.ErrDecrypt and returns no data.
func OpenFields(payload Payload, key chat.RoomKey, associatedData []byte) (Plaintext, error) {
	if payload.Cipher != "" && payload.Cipher != CipherAES256GCM {
		return Plaintext{}, fmt.Errorf("%w: unsupported cipher %q", chat.ErrDecrypt, payload.Cipher)
	}
	if payload.KeyVersion != 0 && key.Version != 0 && payload.KeyVersion != key.Version {
		return Plaintext{}, fmt.Errorf("%w: key version %d, have %d", chat.ErrDecrypt, payload.KeyVersion, key.Version)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return Plaintext{}, fmt.Errorf("%w: %w", chat.ErrDecrypt, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(payload.IV)
	if err != nil || len(nonce) != nonceSize {
		return Plaintext{}, fmt.Errorf("%w: malformed nonce", chat.ErrDecrypt)
	}
	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return Plaintext{}, fmt.Errorf("%w: malformed ciphertext", chat.ErrDecrypt)
	}
	tag, err := base64.StdEncoding.DecodeString(payload.Tag)
	if err != nil || len(tag) != tagSize {
		return Plaintext{}, fmt.Errorf("%w: malformed tag", chat.ErrDecrypt)
	}
	sealed := make([]byte, 0, len(data)+len(tag))
	sealed = append(sealed, data...)
	sealed = append(sealed, tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, associatedData)
	if err != nil {
		return Plaintext{}, fmt.Errorf("%w: authentication failed", chat.ErrDecrypt)
	}
	var fields Plaintext
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return Plaintext{}, fmt.Errorf("%w: malformed plaintext", chat.ErrDecrypt)
	}
	return fields, nil
}

func newAEAD(key chat.RoomKey) (cipher.AEAD, error) {
	if len(key.Material) != chat.RoomKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(key.Material))
	}
	block, err := aes.NewCipher(key.Material)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}
