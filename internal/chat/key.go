package chat

import "time"

// RoomKeySize is the length of a room key in bytes (256 bits).
const RoomKeySize = 32

// RoomKey is the symmetric key material for a room together with its version.
// Version increases every time the key is regenerated; payloads sealed under an
// older version can no longer be opened.
type RoomKey struct {
	RoomID    RoomID
	Material  []byte
	Version   int
	CreatedAt time.Time
}
