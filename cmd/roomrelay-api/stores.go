package main

import (
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/config"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/keyvault"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/messagelog"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// newRoomService opens the per-room stores on db and composes them into a rooms.Service.
func newRoomService(db *gorm.DB, appConfig config.AppConfig, opener rooms.Opener, recorder *metrics.Recorder, logger *zap.Logger) (*rooms.Service, error) {
	vault, err := keyvault.NewVault(keyvault.Config{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	messageLog, err := messagelog.NewLog(messagelog.Config{
		Database:           db,
		Logger:             logger,
		AppendTimeout:      appConfig.LogStore.AppendTimeout,
		MaxInflightAppends: int64(appConfig.LogStore.MaxInflightAppends),
	})
	if err != nil {
		return nil, err
	}
	tracker, err := presence.NewTracker(presence.Config{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	return rooms.NewService(roomServiceConfig(appConfig, db, vault, messageLog, tracker, opener, recorder, logger))
}

// roomServiceConfig bounds the bulk delete scan by the retained log length.
func roomServiceConfig(
	appConfig config.AppConfig,
	db *gorm.DB,
	vault *keyvault.Vault,
	messageLog *messagelog.Log,
	tracker *presence.Tracker,
	opener rooms.Opener,
	recorder *metrics.Recorder,
	logger *zap.Logger,
) rooms.Config {
	return rooms.Config{
		Database:           db,
		Vault:              vault,
		Log:                messageLog,
		Presence:           tracker,
		Opener:             opener,
		Logger:             logger,
		PurgeObserver:      recorder,
		BulkDeleteLimit:    appConfig.Room.MaxMessages,
		DecryptConcurrency: appConfig.Session.DecryptConcurrency,
	}
}
