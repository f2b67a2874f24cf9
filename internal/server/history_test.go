package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/messagelog"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/seal"
)

func seedMessages(t *testing.T, harness *serverHarness, roomID string, texts ...string) []messagelog.Position {
	t.Helper()
	ctx := context.Background()
	key, err := harness.rooms.Vault().EnsureKey(ctx, chat.RoomID(roomID))
	if err != nil {
		t.Fatalf("failed to ensure key: %v", err)
	}
	positions := make([]messagelog.Position, 0, len(texts))
	for index, text := range texts {
		frame := chat.Frame{
			Type:      chat.FrameTypeMessage,
			RoomID:    roomID,
			UserID:    "alice",
			Content:   chat.TextContent(text),
			Timestamp: int64(1000 + index),
		}
		envelope, err := seal.SealFrameBytes(frame, key)
		if err != nil {
			t.Fatalf("failed to seal frame: %v", err)
		}
		position, err := harness.rooms.Log().Append(ctx, chat.RoomID(roomID), envelope)
		if err != nil {
			t.Fatalf("failed to append: %v", err)
		}
		positions = append(positions, position)
	}
	return positions
}

func decodeHistory(t *testing.T, body []byte) []chat.HistoryItem {
	t.Helper()
	var payload historyResponsePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("failed to decode history: %v", err)
	}
	return payload.Messages
}

func textOf(item chat.HistoryItem) string {
	text, _ := item.Text()
	return text
}

func TestHistoryUnknownRoom(t *testing.T) {
	harness := newServerHarness(t, nil)
	recorder := harness.do(t, http.MethodGet, "/api/history/latest?room=nowhere", nil, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	if code := decodeBody(t, recorder)["error"]; code != "room_not_found" {
		t.Fatalf("unexpected error code %v", code)
	}
}

func TestHistoryRequiresRoom(t *testing.T) {
	harness := newServerHarness(t, nil)
	recorder := harness.do(t, http.MethodGet, "/api/history", nil, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestLatestHistoryReturnsDecryptedFrames(t *testing.T) {
	harness := newServerHarness(t, nil)
	positions := seedMessages(t, harness, "lobby", "one", "two", "three")

	recorder := harness.do(t, http.MethodGet, "/api/history/latest?room=lobby&limit=2", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	messages := decodeHistory(t, recorder.Body.Bytes())
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if textOf(messages[0]) != "two" || textOf(messages[1]) != "three" {
		t.Fatalf("unexpected ordering: %+v", messages)
	}
	if messages[1].ID != positions[2].String() {
		t.Fatalf("expected id %q, got %q", positions[2].String(), messages[1].ID)
	}
}

func TestRangeHistoryHonoursBounds(t *testing.T) {
	harness := newServerHarness(t, nil)
	positions := seedMessages(t, harness, "lobby", "one", "two", "three")

	target := "/api/history?room=lobby&from=" + positions[1].String() + "&to=" + positions[2].String()
	recorder := harness.do(t, http.MethodGet, target, nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	messages := decodeHistory(t, recorder.Body.Bytes())
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages in range, got %d", len(messages))
	}
	if textOf(messages[0]) != "two" {
		t.Fatalf("unexpected first message %q", textOf(messages[0]))
	}

	invalid := harness.do(t, http.MethodGet, "/api/history?room=lobby&from=yesterday", nil, nil)
	if invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed bound, got %d", invalid.Code)
	}
	badLimit := harness.do(t, http.MethodGet, "/api/history?room=lobby&limit=-3", nil, nil)
	if badLimit.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed limit, got %d", badLimit.Code)
	}
}
