package server

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/voice"
)

func TestVoiceTokenIssuesGrant(t *testing.T) {
	harness := newServerHarness(t, nil)
	recorder := harness.do(t, http.MethodPost, "/api/voice/token", voiceTokenRequestPayload{ChannelName: "lobby", UserID: "alice"}, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var grant voice.Grant
	if err := json.Unmarshal(recorder.Body.Bytes(), &grant); err != nil {
		t.Fatalf("failed to decode grant: %v", err)
	}
	if grant.Token == "" || grant.AppID != "app-1" {
		t.Fatalf("unexpected grant %+v", grant)
	}
	if grant.AgoraUID != voice.UIDForUser("alice") {
		t.Fatalf("expected uid %d, got %d", voice.UIDForUser("alice"), grant.AgoraUID)
	}
}

func TestVoiceTokenRejectsMissingChannel(t *testing.T) {
	harness := newServerHarness(t, nil)
	recorder := harness.do(t, http.MethodPost, "/api/voice/token", voiceTokenRequestPayload{UserID: "alice"}, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestVoiceTokenUnavailableWithoutIssuer(t *testing.T) {
	harness := newServerHarness(t, func(deps *Dependencies) {
		deps.Voice = nil
	})
	recorder := harness.do(t, http.MethodPost, "/api/voice/token", voiceTokenRequestPayload{ChannelName: "lobby", UserID: "alice"}, nil)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
}
