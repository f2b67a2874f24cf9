package voice

import "unicode/utf16"

const (
	uidModulus   = 1<<32 - 1
	uidFoldLimit = 2_000_000_000
	uidFoldShift = 1_000_000_000
)

// UIDForUser maps a user id onto the numeric RTC uid range [1, 2^32-1].
// The mapping is a 31-multiplier string hash over UTF-16 code units so that
// browser clients computing the same value agree with the server.
func UIDForUser(userID string) uint32 {
	var hash int32
	for _, unit := range utf16.Encode([]rune(userID)) {
		hash = (hash << 5) - hash + int32(unit)
	}
	uid := uint64(uint32(hash))%uidModulus + 1
	if uid > uidFoldLimit {
		uid -= uidFoldShift
	}
	return uint32(uid)
}
