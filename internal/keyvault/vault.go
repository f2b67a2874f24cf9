// Package keyvault generates, stores and fetches one symmetric key per room.
package keyvault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opNewVault  = "keyvault.new"
	opCreateKey = "keyvault.create_key"
	opEnsureKey = "keyvault.ensure_key"
	opGetKey    = "keyvault.get_key"
	opDeleteKey = "keyvault.delete_key"
	opListRooms = "keyvault.list_rooms"

	queryRoomID = "room_id = ?"
)

var errMissingDatabase = errors.New("database handle is required")

// Config describes the dependencies of a Vault.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Random   io.Reader
	Logger   *zap.Logger
}

// Vault persists room keys. Keys are never rotated automatically.
type Vault struct {
	db     *gorm.DB
	clock  func() time.Time
	random io.Reader
	logger *zap.Logger
}

// NewVault constructs a Vault.
func NewVault(cfg Config) (*Vault, error) {
	if cfg.Database == nil {
		return nil, chat.NewOperationError(opNewVault, "missing_database", chat.ErrStore, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	random := cfg.Random
	if random == nil {
		random = rand.Reader
	}
	return &Vault{
		db:     cfg.Database,
		clock:  clock,
		random: random,
		logger: chat.LoggerOrNop(cfg.Logger),
	}, nil
}

// CreateKey generates a fresh key for roomID, overwriting any existing key and bumping its version.
// History sealed under the previous key becomes undecryptable.
func (v *Vault) CreateKey(ctx context.Context, roomID chat.RoomID) error {
	encoded, err := v.generate()
	if err != nil {
		v.logError(opCreateKey, "generate_failed", err, roomID)
		return chat.NewOperationError(opCreateKey, "generate_failed", chat.ErrStore, err)
	}
	err = v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing RoomKeyRecord
		lookupErr := tx.Where(queryRoomID, roomID.String()).Take(&existing).Error
		version := 1
		switch {
		case lookupErr == nil:
			version = existing.Version + 1
		case !errors.Is(lookupErr, gorm.ErrRecordNotFound):
			return lookupErr
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"key_b64", "version", "created_at_s"}),
		}).Create(&RoomKeyRecord{
			RoomID:           roomID.String(),
			KeyB64:           encoded,
			Version:          version,
			CreatedAtSeconds: v.clock().UTC().Unix(),
		}).Error
	})
	if err != nil {
		v.logError(opCreateKey, "upsert_failed", err, roomID)
		return chat.NewOperationError(opCreateKey, "upsert_failed", chat.ErrStore, err)
	}
	return nil
}

// EnsureKey returns the room key, creating it first when absent. Concurrent first
// joiners race on insert; the loser accepts the winner's key.
func (v *Vault) EnsureKey(ctx context.Context, roomID chat.RoomID) (chat.RoomKey, error) {
	key, err := v.GetKey(ctx, roomID)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, chat.ErrKeyMissing) {
		return chat.RoomKey{}, err
	}
	encoded, genErr := v.generate()
	if genErr != nil {
		v.logError(opEnsureKey, "generate_failed", genErr, roomID)
		return chat.RoomKey{}, chat.NewOperationError(opEnsureKey, "generate_failed", chat.ErrStore, genErr)
	}
	insertErr := v.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&RoomKeyRecord{
			RoomID:           roomID.String(),
			KeyB64:           encoded,
			Version:          1,
			CreatedAtSeconds: v.clock().UTC().Unix(),
		}).Error
	if insertErr != nil {
		v.logError(opEnsureKey, "insert_failed", insertErr, roomID)
		return chat.RoomKey{}, chat.NewOperationError(opEnsureKey, "insert_failed", chat.ErrStore, insertErr)
	}
	return v.GetKey(ctx, roomID)
}

// GetKey fetches the key for roomID. An absent key yields chat.ErrKeyMissing.
func (v *Vault) GetKey(ctx context.Context, roomID chat.RoomID) (chat.RoomKey, error) {
	var record RoomKeyRecord
	err := v.db.WithContext(ctx).Where(queryRoomID, roomID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.RoomKey{}, chat.NewOperationError(opGetKey, "not_found", chat.ErrKeyMissing, nil)
	}
	if err != nil {
		v.logError(opGetKey, "query_failed", err, roomID)
		return chat.RoomKey{}, chat.NewOperationError(opGetKey, "query_failed", chat.ErrStore, err)
	}
	material, err := base64.StdEncoding.DecodeString(record.KeyB64)
	if err != nil || len(material) != chat.RoomKeySize {
		if err == nil {
			err = fmt.Errorf("key is %d bytes", len(material))
		}
		v.logError(opGetKey, "corrupt_key", err, roomID)
		return chat.RoomKey{}, chat.NewOperationError(opGetKey, "corrupt_key", chat.ErrStore, err)
	}
	return chat.RoomKey{
		RoomID:    roomID,
		Material:  material,
		Version:   record.Version,
		CreatedAt: time.Unix(record.CreatedAtSeconds, 0).UTC(),
	}, nil
}

// DeleteKey removes the key for roomID. Deleting an absent key is not an error.
func (v *Vault) DeleteKey(ctx context.Context, roomID chat.RoomID) error {
	if err := v.db.WithContext(ctx).Where(queryRoomID, roomID.String()).Delete(&RoomKeyRecord{}).Error; err != nil {
		v.logError(opDeleteKey, "delete_failed", err, roomID)
		return chat.NewOperationError(opDeleteKey, "delete_failed", chat.ErrStore, err)
	}
	return nil
}

// RoomIDs lists every room holding a key.
func (v *Vault) RoomIDs(ctx context.Context) ([]string, error) {
	var roomIDs []string
	if err := v.db.WithContext(ctx).Model(&RoomKeyRecord{}).Pluck("room_id", &roomIDs).Error; err != nil {
		v.logError(opListRooms, "query_failed", err, "")
		return nil, chat.NewOperationError(opListRooms, "query_failed", chat.ErrStore, err)
	}
	return roomIDs, nil
}

func (v *Vault) generate() (string, error) {
	material := make([]byte, chat.RoomKeySize)
	if _, err := io.ReadFull(v.random, material); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(material), nil
}

func (v *Vault) logError(operation, reason string, err error, roomID chat.RoomID) {
	chat.LogFailure(v.logger, "key vault error", operation, reason, err, zap.String("room_id", roomID.String()))
}
