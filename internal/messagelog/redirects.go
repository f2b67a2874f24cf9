package messagelog

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opResolve       = "messagelog.resolve"
	opSetRedirect   = "messagelog.set_redirect"
	opClearRedirect = "messagelog.clear_redirect"

	queryRedirect = "room_id = ? AND client_message_id = ?"
)

// Resolve maps a client message id to the live log position holding its latest version.
// Ids never edited fall back to being parsed as a position. Unknown ids yield chat.ErrNotFound.
func (l *Log) Resolve(ctx context.Context, roomID chat.RoomID, clientMessageID string) (Position, error) {
	position, found, err := l.Redirect(ctx, roomID, clientMessageID)
	if err != nil {
		return Position{}, chat.NewOperationError(opResolve, "lookup_failed", chat.ErrStore, err)
	}
	if found {
		return position, nil
	}
	position, err = ParsePosition(clientMessageID)
	if err != nil {
		return Position{}, chat.NewOperationError(opResolve, "unknown_id", chat.ErrNotFound, err)
	}
	return position, nil
}

// Redirect returns the redirect recorded for clientMessageID, if any.
func (l *Log) Redirect(ctx context.Context, roomID chat.RoomID, clientMessageID string) (Position, bool, error) {
	var record EditRedirect
	err := l.db.WithContext(ctx).Where(queryRedirect, roomID.String(), clientMessageID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Position{}, false, nil
	}
	if err != nil {
		l.logRedirectError(opResolve, "query_failed", err, roomID, clientMessageID)
		return Position{}, false, err
	}
	position, err := ParsePosition(record.Position)
	if err != nil {
		l.logRedirectError(opResolve, "corrupt_redirect", err, roomID, clientMessageID)
		return Position{}, false, err
	}
	return position, true, nil
}

// SetRedirect points clientMessageID at position, replacing any previous redirect.
func (l *Log) SetRedirect(ctx context.Context, roomID chat.RoomID, clientMessageID string, position Position) error {
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "client_message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"position", "updated_at_s"}),
	}).Create(&EditRedirect{
		RoomID:           roomID.String(),
		ClientMessageID:  clientMessageID,
		Position:         position.String(),
		UpdatedAtSeconds: l.clock().UTC().Unix(),
	}).Error
	if err != nil {
		l.logRedirectError(opSetRedirect, "upsert_failed", err, roomID, clientMessageID)
		return chat.NewOperationError(opSetRedirect, "upsert_failed", chat.ErrStore, err)
	}
	return nil
}

// ClearRedirect drops the redirect for clientMessageID. Clearing an absent redirect is not an error.
func (l *Log) ClearRedirect(ctx context.Context, roomID chat.RoomID, clientMessageID string) error {
	err := l.db.WithContext(ctx).Where(queryRedirect, roomID.String(), clientMessageID).Delete(&EditRedirect{}).Error
	if err != nil {
		l.logRedirectError(opClearRedirect, "delete_failed", err, roomID, clientMessageID)
		return chat.NewOperationError(opClearRedirect, "delete_failed", chat.ErrStore, err)
	}
	return nil
}

// ClearRedirectsTo drops every redirect in roomID that targets position.
func (l *Log) ClearRedirectsTo(ctx context.Context, roomID chat.RoomID, position Position) error {
	err := l.db.WithContext(ctx).
		Where("room_id = ? AND position = ?", roomID.String(), position.String()).
		Delete(&EditRedirect{}).Error
	if err != nil {
		l.logRedirectError(opClearRedirect, "delete_failed", err, roomID, position.String())
		return chat.NewOperationError(opClearRedirect, "delete_failed", chat.ErrStore, err)
	}
	return nil
}

func (l *Log) logRedirectError(operation, reason string, err error, roomID chat.RoomID, clientMessageID string) {
	chat.LogFailure(l.logger, "edit redirect error", operation, reason, err,
		zap.String("room_id", roomID.String()),
		zap.String("client_message_id", clientMessageID),
	)
}
