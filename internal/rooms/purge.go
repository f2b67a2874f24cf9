package rooms

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const opPurge = "rooms.purge"

// Purge removes the key, log, redirects, presence sets and metadata of roomID as parallel
// deletes. Partial failures are joined and never rolled back; a later purge cleans up.
func (s *Service) Purge(ctx context.Context, roomID chat.RoomID) error {
	deletes := []func(context.Context) error{
		func(ctx context.Context) error { return s.vault.DeleteKey(ctx, roomID) },
		func(ctx context.Context) error { return s.log.DeleteRoom(ctx, roomID) },
		func(ctx context.Context) error { return s.presence.DeleteRoom(ctx, roomID) },
		func(ctx context.Context) error {
			return s.db.WithContext(ctx).Where(queryRoomID, roomID.String()).Delete(&RoomMeta{}).Error
		},
	}
	failures := make([]error, len(deletes))
	var group errgroup.Group
	for index, remove := range deletes {
		group.Go(func() error {
			failures[index] = remove(ctx)
			return nil
		})
	}
	_ = group.Wait()

	if joined := errors.Join(failures...); joined != nil {
		s.logError(opPurge, "partial_failure", joined, roomID)
		return chat.NewOperationError(opPurge, "partial_failure", chat.ErrStore, joined)
	}
	if s.purgeObserver != nil {
		s.purgeObserver.RoomPurged()
	}
	s.logger.Info("room purged", zap.String("room_id", roomID.String()))
	return nil
}
