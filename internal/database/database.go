package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/keyvault"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/messagelog"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/push"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/rooms"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	errMissingDSN    = errors.New("database dsn is required")
	errUnknownDriver = errors.New("unknown database driver")
)

// Models lists every persisted table of the relay.
func Models() []any {
	return []any{
		&keyvault.RoomKeyRecord{},
		&messagelog.LogEntry{},
		&messagelog.EditRedirect{},
		&messagelog.LogHead{},
		&presence.OnlineUser{},
		&presence.Member{},
		&presence.PeekingUser{},
		&rooms.RoomMeta{},
		&push.SubscriptionRecord{},
		&migrationRecord{},
	}
}

// Open connects to the configured database and performs schema migrations.
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errMissingDSN
	}
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownDriver, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if dialector.Name() == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", dialector.Name()))
	}

	return db, nil
}
