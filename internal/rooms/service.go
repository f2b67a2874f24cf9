// Package rooms composes the room stores into the message rewrite protocols,
// history reads, room metadata and purge.
package rooms

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/keyvault"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/messagelog"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/presence"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opNewService = "rooms.new"

	defaultBulkDeleteLimit    = 5000
	defaultDecryptConcurrency = 16
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingStores   = errors.New("vault, log and presence tracker are required")
	errMissingOpener   = errors.New("envelope opener is required")
)

// Opener decrypts a serialized envelope. *decryptcache.Cache satisfies it.
type Opener interface {
	Open(raw []byte, key chat.RoomKey) (chat.Frame, error)
}

// PurgeObserver is notified after a room purge. *metrics.Recorder satisfies it.
type PurgeObserver interface {
	RoomPurged()
}

// Config describes the dependencies of a Service.
type Config struct {
	Database           *gorm.DB
	Vault              *keyvault.Vault
	Log                *messagelog.Log
	Presence           *presence.Tracker
	Opener             Opener
	Clock              func() time.Time
	Logger             *zap.Logger
	PurgeObserver      PurgeObserver
	BulkDeleteLimit    int
	DecryptConcurrency int
	PasswordCost       int
}

// Service coordinates the per-room stores.
type Service struct {
	db                 *gorm.DB
	vault              *keyvault.Vault
	log                *messagelog.Log
	presence           *presence.Tracker
	opener             Opener
	clock              func() time.Time
	logger             *zap.Logger
	purgeObserver      PurgeObserver
	bulkDeleteLimit    int
	decryptConcurrency int
	passwordCost       int
}

// NewService constructs a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Database == nil {
		return nil, chat.NewOperationError(opNewService, "missing_database", chat.ErrStore, errMissingDatabase)
	}
	if cfg.Vault == nil || cfg.Log == nil || cfg.Presence == nil {
		return nil, chat.NewOperationError(opNewService, "missing_stores", chat.ErrStore, errMissingStores)
	}
	if cfg.Opener == nil {
		return nil, chat.NewOperationError(opNewService, "missing_opener", chat.ErrStore, errMissingOpener)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	bulkLimit := cfg.BulkDeleteLimit
	if bulkLimit <= 0 {
		bulkLimit = defaultBulkDeleteLimit
	}
	concurrency := cfg.DecryptConcurrency
	if concurrency <= 0 {
		concurrency = defaultDecryptConcurrency
	}
	cost := cfg.PasswordCost
	if cost <= 0 {
		cost = defaultPasswordCost
	}
	return &Service{
		db:                 cfg.Database,
		vault:              cfg.Vault,
		log:                cfg.Log,
		presence:           cfg.Presence,
		opener:             cfg.Opener,
		clock:              clock,
		logger:             chat.LoggerOrNop(cfg.Logger),
		purgeObserver:      cfg.PurgeObserver,
		bulkDeleteLimit:    bulkLimit,
		decryptConcurrency: concurrency,
		passwordCost:       cost,
	}, nil
}

// Vault exposes the key store used by the service.
func (s *Service) Vault() *keyvault.Vault {
	return s.vault
}

// Log exposes the message log used by the service.
func (s *Service) Log() *messagelog.Log {
	return s.log
}

// Presence exposes the presence tracker used by the service.
func (s *Service) Presence() *presence.Tracker {
	return s.presence
}

func (s *Service) logError(operation, reason string, err error, roomID chat.RoomID, fields ...zap.Field) {
	fields = append(fields, zap.String("room_id", roomID.String()))
	chat.LogFailure(s.logger, "room service error", operation, reason, err, fields...)
}
