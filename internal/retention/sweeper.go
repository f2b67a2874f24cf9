// Package retention purges inactive rooms and trims the logs of the rest.
package retention

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/rooms"
	"go.uber.org/zap"
)

const (
	opSweep = "retention.sweep"

	defaultInactiveTTL = 30 * 24 * time.Hour
	defaultMaxMessages = 5000
	defaultInterval    = 24 * time.Hour
)

var errMissingRooms = errors.New("rooms service is required")

// Observer receives sweep instrumentation. *metrics.Recorder satisfies it.
type Observer interface {
	SweepCompleted(trimmed int64, elapsed time.Duration)
}

// Config describes a Sweeper.
type Config struct {
	Rooms       *rooms.Service
	InactiveTTL time.Duration
	MaxMessages int
	Interval    time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
	Observer    Observer
}

// Report summarizes one sweep.
type Report struct {
	Scanned int           `json:"scanned"`
	Purged  []chat.RoomID `json:"purged"`
	Trimmed int64         `json:"trimmed"`
	Failed  int           `json:"failed"`
}

// Sweeper scans every known room. It uses only the public room APIs and holds no room lock.
type Sweeper struct {
	rooms       *rooms.Service
	inactiveTTL time.Duration
	maxMessages int
	interval    time.Duration
	clock       func() time.Time
	logger      *zap.Logger
	observer    Observer
	mu          sync.Mutex
	runOnce     sync.Once
}

// NewSweeper constructs a Sweeper.
func NewSweeper(cfg Config) (*Sweeper, error) {
	if cfg.Rooms == nil {
		return nil, chat.NewOperationError(opSweep, "missing_rooms", chat.ErrStore, errMissingRooms)
	}
	sweeper := &Sweeper{
		rooms:       cfg.Rooms,
		inactiveTTL: cfg.InactiveTTL,
		maxMessages: cfg.MaxMessages,
		interval:    cfg.Interval,
		clock:       cfg.Clock,
		logger:      chat.LoggerOrNop(cfg.Logger),
		observer:    cfg.Observer,
	}
	if sweeper.inactiveTTL <= 0 {
		sweeper.inactiveTTL = defaultInactiveTTL
	}
	if sweeper.maxMessages <= 0 {
		sweeper.maxMessages = defaultMaxMessages
	}
	if sweeper.interval <= 0 {
		sweeper.interval = defaultInterval
	}
	if sweeper.clock == nil {
		sweeper.clock = time.Now
	}
	return sweeper, nil
}

// SweepOnce purges rooms idle longer than the inactivity threshold and trims the survivors.
// Per-room failures are logged and counted; the next sweep retries them.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := s.clock()
	roomIDs, err := s.rooms.RoomIDs(ctx)
	if err != nil {
		chat.LogFailure(s.logger, "retention sweep failed", opSweep, "list_failed", err)
		return Report{}, chat.NewOperationError(opSweep, "list_failed", chat.ErrStore, err)
	}

	report := Report{Scanned: len(roomIDs), Purged: []chat.RoomID{}}
	cutoff := started.Add(-s.inactiveTTL).UnixMilli()
	for _, roomID := range roomIDs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		lastActivity, err := s.rooms.LastActivity(ctx, roomID)
		if err != nil {
			report.Failed++
			s.logError("activity_failed", err, roomID)
			continue
		}
		if lastActivity < cutoff {
			if err := s.rooms.Purge(ctx, roomID); err != nil {
				report.Failed++
				continue
			}
			report.Purged = append(report.Purged, roomID)
			continue
		}
		trimmed, err := s.rooms.Log().TrimToMax(ctx, roomID, s.maxMessages)
		if err != nil {
			report.Failed++
			s.logError("trim_failed", err, roomID)
			continue
		}
		report.Trimmed += trimmed
	}

	elapsed := s.clock().Sub(started)
	if s.observer != nil {
		s.observer.SweepCompleted(report.Trimmed, elapsed)
	}
	s.logger.Info("retention sweep completed",
		zap.Int("scanned", report.Scanned),
		zap.Int("purged", len(report.Purged)),
		zap.Int64("trimmed", report.Trimmed),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", elapsed),
	)
	return report, nil
}

// Run sweeps on every interval tick until ctx ends. Only the first call starts a loop.
func (s *Sweeper) Run(ctx context.Context) {
	s.runOnce.Do(func() {
		ticker := time.NewTicker(s.interval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
						s.logger.Warn("scheduled sweep failed", zap.Error(err))
					}
				}
			}
		}()
	})
}

func (s *Sweeper) logError(reason string, err error, roomID chat.RoomID) {
	chat.LogFailure(s.logger, "retention sweep failed", opSweep, reason, err, zap.String("room_id", roomID.String()))
}
