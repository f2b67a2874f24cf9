package rooms

import (
	"context"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/messagelog"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opHistory = "rooms.history"
)

// DecryptedEntry pairs a replayed frame with the log position it was read from.
type DecryptedEntry struct {
	Position messagelog.Position
	Frame    chat.Frame
}

// HistoryItem tags the frame with its effective client message id.
func (e DecryptedEntry) HistoryItem() chat.HistoryItem {
	id := e.Frame.MessageID
	if id == "" {
		id = e.Position.String()
	}
	return chat.HistoryItem{Frame: e.Frame, ID: id}
}

// DecryptEntries opens entries with bounded concurrency, preserving log order.
// Entries that fail to decrypt are logged and omitted.
func (s *Service) DecryptEntries(ctx context.Context, key chat.RoomKey, entries []messagelog.Entry) []DecryptedEntry {
	opened := make([]*chat.Frame, len(entries))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.decryptConcurrency)
	for index, entry := range entries {
		group.Go(func() error {
			if groupCtx.Err() != nil {
				return nil
			}
			frame, err := s.opener.Open(entry.Envelope, key)
			if err != nil {
				s.logger.Warn("skipping undecryptable history entry",
					zap.String("operation", opHistory),
					zap.String("room_id", key.RoomID.String()),
					zap.String("position", entry.Position.String()),
					zap.Error(err),
				)
				return nil
			}
			opened[index] = &frame
			return nil
		})
	}
	_ = group.Wait()

	decrypted := make([]DecryptedEntry, 0, len(entries))
	for index, frame := range opened {
		if frame == nil {
			continue
		}
		decrypted = append(decrypted, DecryptedEntry{Position: entries[index].Position, Frame: *frame})
	}
	return decrypted
}

// LatestHistory reads and decrypts up to limit of the newest entries of the room.
func (s *Service) LatestHistory(ctx context.Context, key chat.RoomKey, limit int) ([]DecryptedEntry, error) {
	entries, err := s.log.Latest(ctx, key.RoomID, limit)
	if err != nil {
		return nil, chat.NewOperationError(opHistory, "latest_failed", chat.ErrStore, err)
	}
	return s.DecryptEntries(ctx, key, entries), nil
}

// RangeHistory reads and decrypts entries between the optional bounds.
func (s *Service) RangeHistory(ctx context.Context, key chat.RoomKey, from, to *messagelog.Position, limit int) ([]DecryptedEntry, error) {
	entries, err := s.log.Range(ctx, key.RoomID, from, to, limit)
	if err != nil {
		return nil, chat.NewOperationError(opHistory, "range_failed", chat.ErrStore, err)
	}
	return s.DecryptEntries(ctx, key, entries), nil
}

// HistoryItems converts decrypted entries into client history items.
func HistoryItems(entries []DecryptedEntry) []chat.HistoryItem {
	items := make([]chat.HistoryItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, entry.HistoryItem())
	}
	return items
}
