package rooms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opSetPassword    = "rooms.set_password"
	opVerifyPassword = "rooms.verify_password"
	opExists         = "rooms.exists"
	opRoomIDs        = "rooms.list"
	opLastActivity   = "rooms.last_activity"

	defaultPasswordCost = bcrypt.DefaultCost
	queryRoomID         = "room_id = ?"
)

var errEmptyPassword = errors.New("password must not be empty")

// SetPassword stores a bcrypt hash of password for roomID, creating the room metadata if absent.
func (s *Service) SetPassword(ctx context.Context, roomID chat.RoomID, password string) error {
	if strings.TrimSpace(password) == "" {
		return chat.NewOperationError(opSetPassword, "empty_password", chat.ErrValidation, errEmptyPassword)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.passwordCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return chat.NewOperationError(opSetPassword, "password_too_long", chat.ErrValidation, err)
		}
		s.logError(opSetPassword, "hash_failed", err, roomID)
		return chat.NewOperationError(opSetPassword, "hash_failed", chat.ErrStore, err)
	}
	now := s.clock().UTC().Unix()
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"password_hash", "updated_at_s"}),
	}).Create(&RoomMeta{
		RoomID:           roomID.String(),
		PasswordHash:     string(hash),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}).Error
	if err != nil {
		s.logError(opSetPassword, "upsert_failed", err, roomID)
		return chat.NewOperationError(opSetPassword, "upsert_failed", chat.ErrStore, err)
	}
	return nil
}

// VerifyPassword reports whether password matches the stored hash. Rooms without a
// password yield chat.ErrNotFound.
func (s *Service) VerifyPassword(ctx context.Context, roomID chat.RoomID, password string) (bool, error) {
	var meta RoomMeta
	err := s.db.WithContext(ctx).Where(queryRoomID, roomID.String()).Take(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && meta.PasswordHash == "") {
		return false, chat.NewOperationError(opVerifyPassword, "no_password", chat.ErrNotFound, nil)
	}
	if err != nil {
		s.logError(opVerifyPassword, "query_failed", err, roomID)
		return false, chat.NewOperationError(opVerifyPassword, "query_failed", chat.ErrStore, err)
	}
	compareErr := bcrypt.CompareHashAndPassword([]byte(meta.PasswordHash), []byte(password))
	switch {
	case compareErr == nil:
		return true, nil
	case errors.Is(compareErr, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		s.logError(opVerifyPassword, "compare_failed", compareErr, roomID)
		return false, chat.NewOperationError(opVerifyPassword, "compare_failed", chat.ErrStore, compareErr)
	}
}

// Exists reports whether the room has metadata or any log data.
func (s *Service) Exists(ctx context.Context, roomID chat.RoomID) (bool, error) {
	var metaCount int64
	if err := s.db.WithContext(ctx).Model(&RoomMeta{}).Where(queryRoomID, roomID.String()).Count(&metaCount).Error; err != nil {
		s.logError(opExists, "query_failed", err, roomID)
		return false, chat.NewOperationError(opExists, "query_failed", chat.ErrStore, err)
	}
	if metaCount > 0 {
		return true, nil
	}
	entries, err := s.log.Count(ctx, roomID)
	if err != nil {
		return false, chat.NewOperationError(opExists, "query_failed", chat.ErrStore, err)
	}
	return entries > 0, nil
}

// RoomIDs lists every room known to any store, sorted.
func (s *Service) RoomIDs(ctx context.Context) ([]chat.RoomID, error) {
	seen := make(map[string]struct{})
	var metaIDs []string
	if err := s.db.WithContext(ctx).Model(&RoomMeta{}).Pluck("room_id", &metaIDs).Error; err != nil {
		s.logError(opRoomIDs, "query_failed", err, "")
		return nil, chat.NewOperationError(opRoomIDs, "query_failed", chat.ErrStore, err)
	}
	keyIDs, err := s.vault.RoomIDs(ctx)
	if err != nil {
		return nil, chat.NewOperationError(opRoomIDs, "query_failed", chat.ErrStore, err)
	}
	logIDs, err := s.log.RoomIDs(ctx)
	if err != nil {
		return nil, chat.NewOperationError(opRoomIDs, "query_failed", chat.ErrStore, err)
	}
	for _, group := range [][]string{metaIDs, keyIDs, logIDs} {
		for _, roomID := range group {
			seen[roomID] = struct{}{}
		}
	}
	roomIDs := make([]chat.RoomID, 0, len(seen))
	for roomID := range seen {
		roomIDs = append(roomIDs, chat.RoomID(roomID))
	}
	sort.Slice(roomIDs, func(i, j int) bool { return roomIDs[i] < roomIDs[j] })
	return roomIDs, nil
}

// LastActivity returns the newest log entry time in unix millis. Rooms with an empty log
// report the later of the key creation time and the last metadata update, or 0 when neither exists.
func (s *Service) LastActivity(ctx context.Context, roomID chat.RoomID) (int64, error) {
	millis, err := s.log.LastActivity(ctx, roomID)
	if err != nil {
		return 0, chat.NewOperationError(opLastActivity, "log_failed", chat.ErrStore, err)
	}
	if millis > 0 {
		return millis, nil
	}
	key, err := s.vault.GetKey(ctx, roomID)
	switch {
	case err == nil:
		millis = key.CreatedAt.UnixMilli()
	case !errors.Is(err, chat.ErrKeyMissing):
		return 0, chat.NewOperationError(opLastActivity, "key_failed", chat.ErrStore, err)
	}
	var meta RoomMeta
	err = s.db.WithContext(ctx).Where(queryRoomID, roomID.String()).Take(&meta).Error
	switch {
	case err == nil:
		return max(millis, meta.CreatedAtSeconds*1000, meta.UpdatedAtSeconds*1000), nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return millis, nil
	default:
		s.logError(opLastActivity, "meta_failed", err, roomID)
		return 0, chat.NewOperationError(opLastActivity, "meta_failed", chat.ErrStore, fmt.Errorf("read room meta: %w", err))
	}
}
