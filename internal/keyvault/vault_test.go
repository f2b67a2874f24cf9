package keyvault

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustVault(t *testing.T) *Vault {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "keys.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&RoomKeyRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	vault, err := NewVault(Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct vault: %v", err)
	}
	return vault
}

func TestGetKeyReportsMissingRoom(t *testing.T) {
	vault := mustVault(t)
	_, err := vault.GetKey(context.Background(), "absent")
	if !errors.Is(err, chat.ErrKeyMissing) {
		t.Fatalf("expected key missing error, got %v", err)
	}
}

func TestEnsureKeyCreatesOnceAndIsStable(t *testing.T) {
	vault := mustVault(t)
	ctx := context.Background()

	first, err := vault.EnsureKey(ctx, "room-1")
	if err != nil {
		t.Fatalf("ensure key failed: %v", err)
	}
	if len(first.Material) != chat.RoomKeySize {
		t.Fatalf("expected %d byte key, got %d", chat.RoomKeySize, len(first.Material))
	}
	second, err := vault.EnsureKey(ctx, "room-1")
	if err != nil {
		t.Fatalf("second ensure key failed: %v", err)
	}
	if string(first.Material) != string(second.Material) {
		t.Fatalf("expected ensure key to return the existing key")
	}
	if second.Version != 1 {
		t.Fatalf("expected version 1, got %d", second.Version)
	}
}

func TestCreateKeyOverwritesAndBumpsVersion(t *testing.T) {
	vault := mustVault(t)
	ctx := context.Background()

	original, err := vault.EnsureKey(ctx, "room-2")
	if err != nil {
		t.Fatalf("ensure key failed: %v", err)
	}
	if err := vault.CreateKey(ctx, "room-2"); err != nil {
		t.Fatalf("create key failed: %v", err)
	}
	replaced, err := vault.GetKey(ctx, "room-2")
	if err != nil {
		t.Fatalf("get key failed: %v", err)
	}
	if string(original.Material) == string(replaced.Material) {
		t.Fatalf("expected a fresh key after create")
	}
	if replaced.Version != original.Version+1 {
		t.Fatalf("expected version %d, got %d", original.Version+1, replaced.Version)
	}
}

func TestDeleteKeyIsIdempotent(t *testing.T) {
	vault := mustVault(t)
	ctx := context.Background()

	if _, err := vault.EnsureKey(ctx, "room-3"); err != nil {
		t.Fatalf("ensure key failed: %v", err)
	}
	if err := vault.DeleteKey(ctx, "room-3"); err != nil {
		t.Fatalf("delete key failed: %v", err)
	}
	if err := vault.DeleteKey(ctx, "room-3"); err != nil {
		t.Fatalf("second delete should not fail: %v", err)
	}
	if _, err := vault.GetKey(ctx, "room-3"); !errors.Is(err, chat.ErrKeyMissing) {
		t.Fatalf("expected key missing after delete, got %v", err)
	}
	roomIDs, err := vault.RoomIDs(ctx)
	if err != nil {
		t.Fatalf("room ids failed: %v", err)
	}
	if len(roomIDs) != 0 {
		t.Fatalf("expected no rooms, got %v", roomIDs)
	}
}
