// Package messagelog persists the ordered per-room log of sealed envelopes
// together with the edit redirect map.
package messagelog

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opNewLog       = "messagelog.new"
	opAppend       = "messagelog.append"
	opRange        = "messagelog.range"
	opLatest       = "messagelog.latest"
	opGet          = "messagelog.get"
	opDeleteAt     = "messagelog.delete_at"
	opTrimToMax    = "messagelog.trim_to_max"
	opTrimBefore   = "messagelog.trim_before"
	opLastActivity = "messagelog.last_activity"
	opDeleteRoom   = "messagelog.delete_room"
	opListRooms    = "messagelog.list_rooms"

	defaultAppendTimeout      = 5 * time.Second
	defaultMaxInflightAppends = 256
	maxAppendAttempts         = 4
	appendLockStripes         = 64

	queryRoomID      = "room_id = ?"
	queryAtPosition  = "room_id = ? AND millis = ? AND seq = ?"
	queryBeforeBound = "(millis < ? OR (millis = ? AND seq < ?))"
	queryFromBound   = "(millis > ? OR (millis = ? AND seq >= ?))"
	queryToBound     = "(millis < ? OR (millis = ? AND seq <= ?))"
	orderAscending   = "millis ASC, seq ASC"
	orderDescending  = "millis DESC, seq DESC"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errAppendSaturated  = errors.New("too many appends in flight")
	errAppendContention = errors.New("position contention did not settle")
)

// Entry is one log record: the position and the sealed envelope bytes.
type Entry struct {
	Position Position
	Envelope []byte
}

// Config describes the dependencies of a Log.
type Config struct {
	Database           *gorm.DB
	Clock              func() time.Time
	Logger             *zap.Logger
	AppendTimeout      time.Duration
	MaxInflightAppends int64
}

// Log is the durable ordered message log. Positions are strictly increasing
// within a room; appends are bounded by a timeout and an in-flight budget.
type Log struct {
	db            *gorm.DB
	clock         func() time.Time
	logger        *zap.Logger
	appendTimeout time.Duration
	inflight      *semaphore.Weighted
	stripes       [appendLockStripes]sync.Mutex
}

// NewLog constructs a Log.
func NewLog(cfg Config) (*Log, error) {
	if cfg.Database == nil {
		return nil, chat.NewOperationError(opNewLog, "missing_database", chat.ErrStore, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.AppendTimeout
	if timeout <= 0 {
		timeout = defaultAppendTimeout
	}
	inflight := cfg.MaxInflightAppends
	if inflight <= 0 {
		inflight = defaultMaxInflightAppends
	}
	return &Log{
		db:            cfg.Database,
		clock:         clock,
		logger:        chat.LoggerOrNop(cfg.Logger),
		appendTimeout: timeout,
		inflight:      semaphore.NewWeighted(inflight),
	}, nil
}

// Append stores envelope at the next position of roomID and returns that position.
// Saturation, timeout and store failures all surface as chat.ErrAppend.
func (l *Log) Append(ctx context.Context, roomID chat.RoomID, envelope []byte) (Position, error) {
	if !l.inflight.TryAcquire(1) {
		return Position{}, chat.NewOperationError(opAppend, "saturated", chat.ErrAppend, errAppendSaturated)
	}
	defer l.inflight.Release(1)

	appendCtx, cancel := context.WithTimeout(ctx, l.appendTimeout)
	defer cancel()

	stripe := l.stripeFor(roomID)
	stripe.Lock()
	defer stripe.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		position, err := l.appendOnce(appendCtx, roomID, envelope)
		if err == nil {
			return position, nil
		}
		lastErr = err
		if !isUniqueViolation(err) {
			break
		}
	}
	if lastErr != nil && isUniqueViolation(lastErr) {
		lastErr = errors.Join(errAppendContention, lastErr)
	}
	reason := "insert_failed"
	if appendCtx.Err() != nil {
		reason = "timeout"
	}
	l.logError(opAppend, reason, lastErr, roomID)
	return Position{}, chat.NewOperationError(opAppend, reason, chat.ErrAppend, lastErr)
}

func (l *Log) appendOnce(ctx context.Context, roomID chat.RoomID, envelope []byte) (Position, error) {
	var assigned Position
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		previous, err := lastAssigned(tx, roomID)
		if err != nil {
			return err
		}
		assigned = previous.Next(l.clock().UTC().UnixMilli())
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"millis", "seq"}),
		}).Create(&LogHead{RoomID: roomID.String(), Millis: assigned.Millis, Seq: assigned.Seq}).Error
		if err != nil {
			return err
		}
		return tx.Create(&LogEntry{
			RoomID:       roomID.String(),
			Millis:       assigned.Millis,
			Seq:          assigned.Seq,
			EnvelopeJSON: string(envelope),
		}).Error
	})
	return assigned, err
}

// lastAssigned reads the room head, falling back to the newest entry for logs written
// before heads were recorded.
func lastAssigned(tx *gorm.DB, roomID chat.RoomID) (Position, error) {
	var head LogHead
	err := tx.Where(queryRoomID, roomID.String()).Take(&head).Error
	if err == nil {
		return head.Position(), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Position{}, err
	}
	var last LogEntry
	err = tx.Where(queryRoomID, roomID.String()).Order(orderDescending).Limit(1).Take(&last).Error
	switch {
	case err == nil:
		return last.Position(), nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return Position{}, nil
	default:
		return Position{}, err
	}
}

// Range returns entries with from <= position <= to in ascending order. Nil bounds are open.
// A non-positive limit returns every matching entry.
func (l *Log) Range(ctx context.Context, roomID chat.RoomID, from, to *Position, limit int) ([]Entry, error) {
	query := l.db.WithContext(ctx).Where(queryRoomID, roomID.String())
	if from != nil {
		query = query.Where(queryFromBound, from.Millis, from.Millis, from.Seq)
	}
	if to != nil {
		query = query.Where(queryToBound, to.Millis, to.Millis, to.Seq)
	}
	query = query.Order(orderAscending)
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []LogEntry
	if err := query.Find(&records).Error; err != nil {
		l.logError(opRange, "query_failed", err, roomID)
		return nil, chat.NewOperationError(opRange, "query_failed", chat.ErrStore, err)
	}
	return toEntries(records), nil
}

// Latest returns up to limit of the newest entries, oldest first.
func (l *Log) Latest(ctx context.Context, roomID chat.RoomID, limit int) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}
	var records []LogEntry
	err := l.db.WithContext(ctx).
		Where(queryRoomID, roomID.String()).
		Order(orderDescending).
		Limit(limit).
		Find(&records).Error
	if err != nil {
		l.logError(opLatest, "query_failed", err, roomID)
		return nil, chat.NewOperationError(opLatest, "query_failed", chat.ErrStore, err)
	}
	for left, right := 0, len(records)-1; left < right; left, right = left+1, right-1 {
		records[left], records[right] = records[right], records[left]
	}
	return toEntries(records), nil
}

// Get reads the entry at position. A missing entry yields chat.ErrNotFound.
func (l *Log) Get(ctx context.Context, roomID chat.RoomID, position Position) (Entry, error) {
	var record LogEntry
	err := l.db.WithContext(ctx).
		Where(queryAtPosition, roomID.String(), position.Millis, position.Seq).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, chat.NewOperationError(opGet, "not_found", chat.ErrNotFound, nil)
	}
	if err != nil {
		l.logError(opGet, "query_failed", err, roomID)
		return Entry{}, chat.NewOperationError(opGet, "query_failed", chat.ErrStore, err)
	}
	return toEntry(record), nil
}

// DeleteAt removes the entry at position and reports how many entries were removed.
func (l *Log) DeleteAt(ctx context.Context, roomID chat.RoomID, position Position) (int64, error) {
	result := l.db.WithContext(ctx).
		Where(queryAtPosition, roomID.String(), position.Millis, position.Seq).
		Delete(&LogEntry{})
	if result.Error != nil {
		l.logError(opDeleteAt, "delete_failed", result.Error, roomID)
		return 0, chat.NewOperationError(opDeleteAt, "delete_failed", chat.ErrStore, result.Error)
	}
	return result.RowsAffected, nil
}

// TrimToMax keeps only the newest maxEntries entries of roomID.
func (l *Log) TrimToMax(ctx context.Context, roomID chat.RoomID, maxEntries int) (int64, error) {
	if maxEntries < 0 {
		maxEntries = 0
	}
	db := l.db.WithContext(ctx)
	var total int64
	if err := db.Model(&LogEntry{}).Where(queryRoomID, roomID.String()).Count(&total).Error; err != nil {
		l.logError(opTrimToMax, "count_failed", err, roomID)
		return 0, chat.NewOperationError(opTrimToMax, "count_failed", chat.ErrStore, err)
	}
	excess := total - int64(maxEntries)
	if excess <= 0 {
		return 0, nil
	}
	if maxEntries == 0 {
		return l.deleteWhere(ctx, opTrimToMax, roomID)
	}
	var firstKept LogEntry
	err := db.Where(queryRoomID, roomID.String()).
		Order(orderAscending).
		Offset(int(excess)).
		Limit(1).
		Take(&firstKept).Error
	if err != nil {
		l.logError(opTrimToMax, "query_failed", err, roomID)
		return 0, chat.NewOperationError(opTrimToMax, "query_failed", chat.ErrStore, err)
	}
	return l.deleteBefore(ctx, opTrimToMax, roomID, firstKept.Position())
}

// TrimBefore removes every entry older than minimum.
func (l *Log) TrimBefore(ctx context.Context, roomID chat.RoomID, minimum Position) (int64, error) {
	return l.deleteBefore(ctx, opTrimBefore, roomID, minimum)
}

// LastActivity returns the wall-clock millis of the newest entry, or 0 for an empty log.
func (l *Log) LastActivity(ctx context.Context, roomID chat.RoomID) (int64, error) {
	var last LogEntry
	err := l.db.WithContext(ctx).Where(queryRoomID, roomID.String()).Order(orderDescending).Limit(1).Take(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		l.logError(opLastActivity, "query_failed", err, roomID)
		return 0, chat.NewOperationError(opLastActivity, "query_failed", chat.ErrStore, err)
	}
	return last.Millis, nil
}

// Count reports the number of entries stored for roomID.
func (l *Log) Count(ctx context.Context, roomID chat.RoomID) (int64, error) {
	var total int64
	if err := l.db.WithContext(ctx).Model(&LogEntry{}).Where(queryRoomID, roomID.String()).Count(&total).Error; err != nil {
		l.logError(opRange, "count_failed", err, roomID)
		return 0, chat.NewOperationError(opRange, "count_failed", chat.ErrStore, err)
	}
	return total, nil
}

// DeleteRoom removes the whole log, redirect map and position head of roomID.
func (l *Log) DeleteRoom(ctx context.Context, roomID chat.RoomID) error {
	if _, err := l.deleteWhere(ctx, opDeleteRoom, roomID); err != nil {
		return err
	}
	if err := l.db.WithContext(ctx).Where(queryRoomID, roomID.String()).Delete(&EditRedirect{}).Error; err != nil {
		l.logError(opDeleteRoom, "redirects_failed", err, roomID)
		return chat.NewOperationError(opDeleteRoom, "redirects_failed", chat.ErrStore, err)
	}
	if err := l.db.WithContext(ctx).Where(queryRoomID, roomID.String()).Delete(&LogHead{}).Error; err != nil {
		l.logError(opDeleteRoom, "head_failed", err, roomID)
		return chat.NewOperationError(opDeleteRoom, "head_failed", chat.ErrStore, err)
	}
	return nil
}

// RoomIDs lists every room with at least one log entry.
func (l *Log) RoomIDs(ctx context.Context) ([]string, error) {
	var roomIDs []string
	if err := l.db.WithContext(ctx).Model(&LogEntry{}).Distinct("room_id").Pluck("room_id", &roomIDs).Error; err != nil {
		l.logError(opListRooms, "query_failed", err, "")
		return nil, chat.NewOperationError(opListRooms, "query_failed", chat.ErrStore, err)
	}
	return roomIDs, nil
}

func (l *Log) deleteBefore(ctx context.Context, operation string, roomID chat.RoomID, bound Position) (int64, error) {
	result := l.db.WithContext(ctx).
		Where(queryRoomID, roomID.String()).
		Where(queryBeforeBound, bound.Millis, bound.Millis, bound.Seq).
		Delete(&LogEntry{})
	if result.Error != nil {
		l.logError(operation, "delete_failed", result.Error, roomID)
		return 0, chat.NewOperationError(operation, "delete_failed", chat.ErrStore, result.Error)
	}
	return result.RowsAffected, nil
}

func (l *Log) deleteWhere(ctx context.Context, operation string, roomID chat.RoomID) (int64, error) {
	result := l.db.WithContext(ctx).Where(queryRoomID, roomID.String()).Delete(&LogEntry{})
	if result.Error != nil {
		l.logError(operation, "delete_failed", result.Error, roomID)
		return 0, chat.NewOperationError(operation, "delete_failed", chat.ErrStore, result.Error)
	}
	return result.RowsAffected, nil
}

func (l *Log) stripeFor(roomID chat.RoomID) *sync.Mutex {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(roomID))
	return &l.stripes[hasher.Sum32()%appendLockStripes]
}

func (l *Log) logError(operation, reason string, err error, roomID chat.RoomID) {
	chat.LogFailure(l.logger, "message log error", operation, reason, err, zap.String("room_id", roomID.String()))
}

func toEntries(records []LogEntry) []Entry {
	entries := make([]Entry, 0, len(records))
	for _, record := range records {
		entries = append(entries, toEntry(record))
	}
	return entries
}

func toEntry(record LogEntry) Entry {
	return Entry{Position: record.Position(), Envelope: []byte(record.EnvelopeJSON)}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique") || strings.Contains(message, "duplicate")
}
