package rooms

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/messagelog"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/seal"
	"go.uber.org/zap"
)

const (
	opEdit       = "rooms.edit_message"
	opDelete     = "rooms.delete_message"
	opBulkDelete = "rooms.delete_user_messages"
)

// BulkDeleteResult reports the outcome of DeleteUserMessages.
type BulkDeleteResult struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

// EditMessage replaces the message known to clients as clientMessageID with replacement.
// The new version is appended, the old one deleted and the redirect repointed, in that order.
// Failures after the append are logged and leave a duplicate visible rather than losing data.
func (s *Service) EditMessage(ctx context.Context, key chat.RoomKey, requester chat.UserID, clientMessageID string, replacement chat.Frame) (messagelog.Position, error) {
	roomID := key.RoomID
	current, err := s.log.Resolve(ctx, roomID, clientMessageID)
	if err != nil {
		return messagelog.Position{}, chat.NewOperationError(opEdit, "unresolved", chat.ErrNotFound, err)
	}
	entry, err := s.log.Get(ctx, roomID, current)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			if clearErr := s.log.ClearRedirect(ctx, roomID, clientMessageID); clearErr != nil {
				s.logError(opEdit, "stale_redirect", clearErr, roomID, zap.String("client_message_id", clientMessageID))
			}
			return messagelog.Position{}, chat.NewOperationError(opEdit, "not_found", chat.ErrNotFound, err)
		}
		return messagelog.Position{}, chat.NewOperationError(opEdit, "read_failed", chat.ErrStore, err)
	}
	if err := s.verifyOwner(entry, key, requester); err != nil {
		return messagelog.Position{}, chat.NewOperationError(opEdit, ownerReason(err), kindOf(err), err)
	}

	sealed, err := seal.SealFrameBytes(replacement, key)
	if err != nil {
		s.logError(opEdit, "seal_failed", err, roomID)
		return messagelog.Position{}, chat.NewOperationError(opEdit, "seal_failed", chat.ErrStore, err)
	}
	next, err := s.log.Append(ctx, roomID, sealed)
	if err != nil {
		return messagelog.Position{}, chat.NewOperationError(opEdit, "append_failed", chat.ErrAppend, err)
	}

	if _, err := s.log.DeleteAt(ctx, roomID, current); err != nil {
		s.logError(opEdit, "retire_failed", err, roomID,
			zap.String("client_message_id", clientMessageID),
			zap.String("position", current.String()),
		)
	}
	if err := s.log.SetRedirect(ctx, roomID, clientMessageID, next); err != nil {
		s.logError(opEdit, "redirect_failed", err, roomID,
			zap.String("client_message_id", clientMessageID),
			zap.String("position", next.String()),
		)
	}
	return next, nil
}

// DeleteMessage removes the message known to clients as clientMessageID and its redirect.
// Deleting an already absent message succeeds.
func (s *Service) DeleteMessage(ctx context.Context, key chat.RoomKey, requester chat.UserID, clientMessageID string) error {
	roomID := key.RoomID
	current, err := s.log.Resolve(ctx, roomID, clientMessageID)
	if err != nil {
		return chat.NewOperationError(opDelete, "unresolved", chat.ErrNotFound, err)
	}
	entry, err := s.log.Get(ctx, roomID, current)
	switch {
	case err == nil:
		if ownerErr := s.verifyOwner(entry, key, requester); ownerErr != nil {
			return chat.NewOperationError(opDelete, ownerReason(ownerErr), kindOf(ownerErr), ownerErr)
		}
		if _, err := s.log.DeleteAt(ctx, roomID, current); err != nil {
			return chat.NewOperationError(opDelete, "delete_failed", chat.ErrStore, err)
		}
	case !errors.Is(err, chat.ErrNotFound):
		return chat.NewOperationError(opDelete, "read_failed", chat.ErrStore, err)
	}
	if err := s.log.ClearRedirect(ctx, roomID, clientMessageID); err != nil {
		return chat.NewOperationError(opDelete, "redirect_failed", chat.ErrStore, err)
	}
	return nil
}

// DeleteUserMessages removes every message owned by userID among the newest entries of the room.
// Entries that fail to decrypt are skipped. Success is false only when the scan itself fails.
func (s *Service) DeleteUserMessages(ctx context.Context, key chat.RoomKey, userID chat.UserID) BulkDeleteResult {
	roomID := key.RoomID
	entries, err := s.log.Latest(ctx, roomID, s.bulkDeleteLimit)
	if err != nil {
		s.logError(opBulkDelete, "scan_failed", err, roomID, zap.String("user_id", userID.String()))
		return BulkDeleteResult{Success: false}
	}
	deleted := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			s.logError(opBulkDelete, "cancelled", ctx.Err(), roomID, zap.String("user_id", userID.String()))
			return BulkDeleteResult{Success: false, Count: deleted}
		}
		frame, openErr := s.opener.Open(entry.Envelope, key)
		if openErr != nil {
			s.logger.Warn("skipping undecryptable entry",
				zap.String("operation", opBulkDelete),
				zap.String("room_id", roomID.String()),
				zap.String("position", entry.Position.String()),
				zap.Error(openErr),
			)
			continue
		}
		if frame.UserID != userID.String() {
			continue
		}
		removed, deleteErr := s.log.DeleteAt(ctx, roomID, entry.Position)
		if deleteErr != nil {
			s.logError(opBulkDelete, "delete_failed", deleteErr, roomID, zap.String("position", entry.Position.String()))
			continue
		}
		if removed == 0 {
			continue
		}
		deleted++
		if frame.MessageID != "" {
			if clearErr := s.log.ClearRedirect(ctx, roomID, frame.MessageID); clearErr != nil {
				s.logError(opBulkDelete, "redirect_failed", clearErr, roomID, zap.String("client_message_id", frame.MessageID))
			}
		}
	}
	return BulkDeleteResult{Success: true, Count: deleted}
}

var errNotOwner = errors.New("message belongs to another user")

func (s *Service) verifyOwner(entry messagelog.Entry, key chat.RoomKey, requester chat.UserID) error {
	frame, err := s.opener.Open(entry.Envelope, key)
	if err != nil {
		return err
	}
	if frame.UserID != requester.String() {
		return fmt.Errorf("%w: %w", chat.ErrPermissionDenied, errNotOwner)
	}
	return nil
}

func ownerReason(err error) string {
	if errors.Is(err, chat.ErrPermissionDenied) {
		return "not_owner"
	}
	return "decrypt_failed"
}

func kindOf(err error) error {
	if errors.Is(err, chat.ErrPermissionDenied) {
		return chat.ErrPermissionDenied
	}
	return chat.ErrDecrypt
}
