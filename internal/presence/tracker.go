// Package presence tracks online users, durable room membership and tab visibility.
package presence

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opNewTracker  = "presence.new"
	opJoin        = "presence.join"
	opLeave       = "presence.leave"
	opOnline      = "presence.online_users"
	opMembers     = "presence.members"
	opSetPeeking  = "presence.set_peeking"
	opPeeking     = "presence.peeking_users"
	opDeleteRoom  = "presence.delete_room"
	queryRoomID   = "room_id = ?"
	queryRoomUser = "room_id = ? AND user_id = ?"
)

var errMissingDatabase = errors.New("database handle is required")

// Config describes the dependencies of a Tracker.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Tracker maintains the per-room presence sets. Every mutation is idempotent.
type Tracker struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewTracker constructs a Tracker.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Database == nil {
		return nil, chat.NewOperationError(opNewTracker, "missing_database", chat.ErrStore, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{db: cfg.Database, clock: clock, logger: chat.LoggerOrNop(cfg.Logger)}, nil
}

// Join adds userID to both the online set and the member set of roomID.
func (t *Tracker) Join(ctx context.Context, roomID chat.RoomID, userID chat.UserID) error {
	now := t.clock().UTC().Unix()
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&OnlineUser{
			RoomID:          roomID.String(),
			UserID:          userID.String(),
			JoinedAtSeconds: now,
		}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Member{
			RoomID:               roomID.String(),
			UserID:               userID.String(),
			FirstJoinedAtSeconds: now,
		}).Error
	})
	if err != nil {
		t.logError(opJoin, "insert_failed", err, roomID, userID)
		return chat.NewOperationError(opJoin, "insert_failed", chat.ErrStore, err)
	}
	return nil
}

// Leave removes userID from the online set only.
func (t *Tracker) Leave(ctx context.Context, roomID chat.RoomID, userID chat.UserID) error {
	err := t.db.WithContext(ctx).Where(queryRoomUser, roomID.String(), userID.String()).Delete(&OnlineUser{}).Error
	if err != nil {
		t.logError(opLeave, "delete_failed", err, roomID, userID)
		return chat.NewOperationError(opLeave, "delete_failed", chat.ErrStore, err)
	}
	return nil
}

// OnlineUsers returns the sorted online set of roomID.
func (t *Tracker) OnlineUsers(ctx context.Context, roomID chat.RoomID) ([]string, error) {
	return t.list(ctx, opOnline, &OnlineUser{}, roomID)
}

// Members returns the sorted durable member set of roomID.
func (t *Tracker) Members(ctx context.Context, roomID chat.RoomID) ([]string, error) {
	return t.list(ctx, opMembers, &Member{}, roomID)
}

// PeekingUsers returns the sorted set of users whose tab is visible in roomID.
func (t *Tracker) PeekingUsers(ctx context.Context, roomID chat.RoomID) ([]string, error) {
	return t.list(ctx, opPeeking, &PeekingUser{}, roomID)
}

// SetPeeking adds or removes userID from the peeking set of roomID.
func (t *Tracker) SetPeeking(ctx context.Context, roomID chat.RoomID, userID chat.UserID, visible bool) error {
	db := t.db.WithContext(ctx)
	var err error
	if visible {
		err = db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"updated_at_s"}),
		}).Create(&PeekingUser{
			RoomID:           roomID.String(),
			UserID:           userID.String(),
			UpdatedAtSeconds: t.clock().UTC().Unix(),
		}).Error
	} else {
		err = db.Where(queryRoomUser, roomID.String(), userID.String()).Delete(&PeekingUser{}).Error
	}
	if err != nil {
		t.logError(opSetPeeking, "write_failed", err, roomID, userID)
		return chat.NewOperationError(opSetPeeking, "write_failed", chat.ErrStore, err)
	}
	return nil
}

// OfflineMembers returns members that are neither online nor the excluded user.
func (t *Tracker) OfflineMembers(ctx context.Context, roomID chat.RoomID, exclude chat.UserID) ([]string, error) {
	members, err := t.Members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	online, err := t.OnlineUsers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	skip := make(map[string]struct{}, len(online)+1)
	for _, userID := range online {
		skip[userID] = struct{}{}
	}
	skip[exclude.String()] = struct{}{}
	offline := make([]string, 0, len(members))
	for _, userID := range members {
		if _, excluded := skip[userID]; !excluded {
			offline = append(offline, userID)
		}
	}
	return offline, nil
}

// DeleteRoom removes all presence sets of roomID. Failures are joined, never rolled back.
func (t *Tracker) DeleteRoom(ctx context.Context, roomID chat.RoomID) error {
	db := t.db.WithContext(ctx)
	var errs []error
	for _, model := range []any{&OnlineUser{}, &Member{}, &PeekingUser{}} {
		if err := db.Where(queryRoomID, roomID.String()).Delete(model).Error; err != nil {
			errs = append(errs, err)
		}
	}
	if joined := errors.Join(errs...); joined != nil {
		t.logError(opDeleteRoom, "delete_failed", joined, roomID, "")
		return chat.NewOperationError(opDeleteRoom, "delete_failed", chat.ErrStore, joined)
	}
	return nil
}

func (t *Tracker) list(ctx context.Context, operation string, model any, roomID chat.RoomID) ([]string, error) {
	var userIDs []string
	if err := t.db.WithContext(ctx).Model(model).Where(queryRoomID, roomID.String()).Pluck("user_id", &userIDs).Error; err != nil {
		t.logError(operation, "query_failed", err, roomID, "")
		return nil, chat.NewOperationError(operation, "query_failed", chat.ErrStore, err)
	}
	sort.Strings(userIDs)
	return userIDs, nil
}

func (t *Tracker) logError(operation, reason string, err error, roomID chat.RoomID, userID chat.UserID) {
	chat.LogFailure(t.logger, "presence error", operation, reason, err,
		zap.String("room_id", roomID.String()),
		zap.String("user_id", userID.String()),
	)
}
