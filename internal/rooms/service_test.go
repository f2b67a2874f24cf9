package rooms

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/decryptcache"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/keyvault"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/messagelog"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/seal"
	sqlite "github.com/glebarez/sqlite"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type serviceHarness struct {
	service *Service
	key     chat.RoomKey
	now     time.Time
}

func newHarness(t *testing.T) *serviceHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "rooms.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&keyvault.RoomKeyRecord{},
		&messagelog.LogEntry{},
		&messagelog.EditRedirect{},
		&messagelog.LogHead{},
		&presence.OnlineUser{},
		&presence.Member{},
		&presence.PeekingUser{},
		&RoomMeta{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	harness := &serviceHarness{now: time.UnixMilli(1_700_000_000_000).UTC()}
	clock := func() time.Time {
		harness.now = harness.now.Add(time.Millisecond)
		return harness.now
	}
	vault, err := keyvault.NewVault(keyvault.Config{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct vault: %v", err)
	}
	log, err := messagelog.NewLog(messagelog.Config{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct log: %v", err)
	}
	tracker, err := presence.NewTracker(presence.Config{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct tracker: %v", err)
	}
	service, err := NewService(Config{
		Database:     db,
		Vault:        vault,
		Log:          log,
		Presence:     tracker,
		Opener:       decryptcache.New(decryptcache.Config{}),
		Clock:        clock,
		PasswordCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	key, err := vault.EnsureKey(context.Background(), "room")
	if err != nil {
		t.Fatalf("failed to ensure key: %v", err)
	}
	harness.service = service
	harness.key = key
	return harness
}

func (h *serviceHarness) post(t *testing.T, userID, text string) messagelog.Position {
	t.Helper()
	raw, err := seal.SealFrameBytes(chat.Frame{
		Type:      chat.FrameTypeMessage,
		RoomID:    "room",
		UserID:    userID,
		Content:   chat.TextContent(text),
		Timestamp: h.now.UnixMilli(),
	}, h.key)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	position, err := h.service.Log().Append(context.Background(), "room", raw)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	return position
}

func (h *serviceHarness) history(t *testing.T) []chat.HistoryItem {
	t.Helper()
	entries, err := h.service.LatestHistory(context.Background(), h.key, 100)
	if err != nil {
		t.Fatalf("latest history failed: %v", err)
	}
	return HistoryItems(entries)
}

func replacement(userID, clientMessageID, text string) chat.Frame {
	return chat.Frame{
		Type:      chat.FrameTypeMessage,
		RoomID:    "room",
		UserID:    userID,
		Content:   chat.TextContent(text),
		Timestamp: 1_700_000_100_000,
		MessageID: clientMessageID,
	}
}

func TestEditKeepsOneEntryUnderTheClientID(t *testing.T) {
	harness := newHarness(t)
	ctx := context.Background()
	original := harness.post(t, "alice", "v1")
	clientID := original.String()

	firstEdit, err := harness.service.EditMessage(ctx, harness.key, "alice", clientID, replacement("alice", clientID, "v2"))
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if !original.Less(firstEdit) {
		t.Fatalf("expected edit to append at a new position")
	}
	secondEdit, err := harness.service.EditMessage(ctx, harness.key, "alice", clientID, replacement("alice", clientID, "v3"))
	if err != nil {
		t.Fatalf("second edit failed: %v", err)
	}

	items := harness.history(t)
	if len(items) != 1 {
		t.Fatalf("expected exactly one history entry, got %d", len(items))
	}
	if items[0].ID != clientID {
		t.Fatalf("expected history id %s, got %s", clientID, items[0].ID)
	}
	if text, _ := items[0].Text(); text != "v3" {
		t.Fatalf("expected latest content v3, got %q", text)
	}
	resolved, err := harness.service.Log().Resolve(ctx, "room", clientID)
	if err != nil || resolved != secondEdit {
		t.Fatalf("expected redirect to %s, got %s (%v)", secondEdit, resolved, err)
	}
}

func TestEditByAnotherUserIsRefused(t *testing.T) {
	harness := newHarness(t)
	ctx := context.Background()
	original := harness.post(t, "alice", "mine")

	_, err := harness.service.EditMessage(ctx, harness.key, "bob", original.String(), replacement("bob", original.String(), "hijack"))
	if !errors.Is(err, chat.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	items := harness.history(t)
	if len(items) != 1 {
		t.Fatalf("expected log unchanged, got %d entries", len(items))
	}
	if text, _ := items[0].Text(); text != "mine" {
		t.Fatalf("expected original content, got %q", text)
	}
}

func TestEditUnknownMessageReportsNotFound(t *testing.T) {
	harness := newHarness(t)
	_, err := harness.service.EditMessage(context.Background(), harness.key, "alice", "123-0", replacement("alice", "123-0", "x"))
	if !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteAfterEditClearsEntryAndRedirect(t *testing.T) {
	harness := newHarness(t)
	ctx := context.Background()
	original := harness.post(t, "alice", "v1")
	clientID := original.String()
	if _, err := harness.service.EditMessage(ctx, harness.key, "alice", clientID, replacement("alice", clientID, "v2")); err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	if err := harness.service.DeleteMessage(ctx, harness.key, "bob", clientID); !errors.Is(err, chat.ErrPermissionDenied) {
		t.Fatalf("expected permission denied for bob, got %v", err)
	}
	if err := harness.service.DeleteMessage(ctx, harness.key, "alice", clientID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if items := harness.history(t); len(items) != 0 {
		t.Fatalf("expected empty history, got %d entries", len(items))
	}
	if _, found, _ := harness.service.Log().Redirect(ctx, "room", clientID); found {
		t.Fatalf("expected redirect to be cleared")
	}
	if err := harness.service.DeleteMessage(ctx, harness.key, "alice", clientID); err != nil {
		t.Fatalf("expected repeated delete to succeed, got %v", err)
	}
}

func TestDeleteUserMessagesSkipsUndecryptableEntries(t *testing.T) {
	harness := newHarness(t)
	ctx := context.Background()
	aliceFirst := harness.post(t, "alice", "a1")
	bobPosition := harness.post(t, "bob", "b1")
	harness.post(t, "alice", "a2")
	if _, err := harness.service.Log().Append(ctx, "room", []byte(`{"type":"message","encrypted":true,"payload":{}}`)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	harness.post(t, "alice", "a3")
	clientID := aliceFirst.String()
	if _, err := harness.service.EditMessage(ctx, harness.key, "alice", clientID, replacement("alice", clientID, "a1 edited")); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	bobBefore, err := harness.service.Log().Get(ctx, "room", bobPosition)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	result := harness.service.DeleteUserMessages(ctx, harness.key, "alice")
	if !result.Success || result.Count != 3 {
		t.Fatalf("expected success with 3 deletions, got %+v", result)
	}
	items := harness.history(t)
	if len(items) != 1 || items[0].UserID != "bob" {
		t.Fatalf("expected only bob's message to remain, got %+v", items)
	}
	bobAfter, err := harness.service.Log().Get(ctx, "room", bobPosition)
	if err != nil {
		t.Fatalf("expected bob's entry to survive at its position, got %v", err)
	}
	if !bytes.Equal(bobBefore.Envelope, bobAfter.Envelope) {
		t.Fatalf("expected bob's envelope to be byte-identical after the bulk delete")
	}
	if _, found, _ := harness.service.Log().Redirect(ctx, "room", clientID); found {
		t.Fatalf("expected redirect of deleted edited message to be cleared")
	}
}

func TestDecryptEntriesPreservesLogOrder(t *testing.T) {
	harness := newHarness(t)
	for _, text := range []string{"one", "two", "three", "four", "five"} {
		harness.post(t, "alice", text)
	}
	items := harness.history(t)
	want := []string{"one", "two", "three", "four", "five"}
	if len(items) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(items))
	}
	for index, item := range items {
		if text, _ := item.Text(); text != want[index] {
			t.Fatalf("item %d: expected %q, got %q", index, want[index], text)
		}
	}
}

func TestPasswordLifecycle(t *testing.T) {
	harness := newHarness(t)
	ctx := context.Background()

	if _, err := harness.service.VerifyPassword(ctx, "locked", "secret"); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected not found before a password is set, got %v", err)
	}
	if err := harness.service.SetPassword(ctx, "locked", " "); !errors.Is(err, chat.ErrValidation) {
		t.Fatalf("expected validation error for blank password, got %v", err)
	}
	if err := harness.service.SetPassword(ctx, "locked", "secret"); err != nil {
		t.Fatalf("set password failed: %v", err)
	}
	ok, err := harness.service.VerifyPassword(ctx, "locked", "secret")
	if err != nil || !ok {
		t.Fatalf("expected password to verify, got %v (%v)", ok, err)
	}
	ok, err = harness.service.VerifyPassword(ctx, "locked", "wrong")
	if err != nil || ok {
		t.Fatalf("expected wrong password to be rejected, got %v (%v)", ok, err)
	}
	exists, err := harness.service.Exists(ctx, "locked")
	if err != nil || !exists {
		t.Fatalf("expected password room to exist, got %v (%v)", exists, err)
	}
}

func TestPurgeRemovesEveryRoomStore(t *testing.T) {
	harness := newHarness(t)
	ctx := context.Background()
	clientID := harness.post(t, "alice", "v1").String()
	if _, err := harness.service.EditMessage(ctx, harness.key, "alice", clientID, replacement("alice", clientID, "v2")); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if err := harness.service.Presence().Join(ctx, "room", "alice"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := harness.service.SetPassword(ctx, "room", "secret"); err != nil {
		t.Fatalf("set password failed: %v", err)
	}

	if err := harness.service.Purge(ctx, "room"); err != nil {
		t.Fatalf("purge failed: %v", err)
	}

	if _, err := harness.service.Vault().GetKey(ctx, "room"); !errors.Is(err, chat.ErrKeyMissing) {
		t.Fatalf("expected key to be removed, got %v", err)
	}
	if exists, _ := harness.service.Exists(ctx, "room"); exists {
		t.Fatalf("expected room to no longer exist")
	}
	members, _ := harness.service.Presence().Members(ctx, "room")
	if len(members) != 0 {
		t.Fatalf("expected members to be removed, got %v", members)
	}
	if _, found, _ := harness.service.Log().Redirect(ctx, "room", clientID); found {
		t.Fatalf("expected redirects to be removed")
	}
	roomIDs, err := harness.service.RoomIDs(ctx)
	if err != nil {
		t.Fatalf("room ids failed: %v", err)
	}
	if len(roomIDs) != 0 {
		t.Fatalf("expected no rooms, got %v", roomIDs)
	}
}

func TestLastActivityFallsBackToKeyCreation(t *testing.T) {
	harness := newHarness(t)
	ctx := context.Background()
	activity, err := harness.service.LastActivity(ctx, "room")
	if err != nil {
		t.Fatalf("last activity failed: %v", err)
	}
	if activity != harness.key.CreatedAt.UnixMilli() {
		t.Fatalf("expected key creation time %d, got %d", harness.key.CreatedAt.UnixMilli(), activity)
	}
	position := harness.post(t, "alice", "hello")
	activity, _ = harness.service.LastActivity(ctx, "room")
	if activity != position.Millis {
		t.Fatalf("expected log activity %d, got %d", position.Millis, activity)
	}
	activity, _ = harness.service.LastActivity(ctx, "never-seen")
	if activity != 0 {
		t.Fatalf("expected 0 for unknown room, got %d", activity)
	}
}

func TestLastActivityPrefersRecentMetadataOverOldKey(t *testing.T) {
	harness := newHarness(t)
	ctx := context.Background()
	harness.now = harness.now.Add(40 * 24 * time.Hour)
	if err := harness.service.SetPassword(ctx, "room", "secret"); err != nil {
		t.Fatalf("set password failed: %v", err)
	}
	expected := harness.now.Unix() * 1000

	activity, err := harness.service.LastActivity(ctx, "room")
	if err != nil {
		t.Fatalf("last activity failed: %v", err)
	}
	if activity != expected {
		t.Fatalf("expected metadata update time %d, got %d", expected, activity)
	}
	if activity <= harness.key.CreatedAt.UnixMilli() {
		t.Fatalf("expected activity after key creation %d, got %d", harness.key.CreatedAt.UnixMilli(), activity)
	}
}
