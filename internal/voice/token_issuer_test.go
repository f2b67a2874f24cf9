package voice

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesChannelTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		AppID:         "app-1",
		SigningSecret: []byte("super-secret"),
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	grant, err := issuer.IssueToken(context.Background(), "room-1", "alice")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if grant.ExpiresIn != 3600 {
		t.Fatalf("expected one hour expiry, got %d", grant.ExpiresIn)
	}
	if grant.AgoraUID != UIDForUser("alice") || grant.AppID != "app-1" {
		t.Fatalf("unexpected grant %+v", grant)
	}

	parser := jwt.Parser{}
	claims := &Claims{}
	_, err = parser.ParseWithClaims(grant.Token, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Channel != "room-1" || claims.UID != grant.AgoraUID {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "app-1" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerRejectsMissingConfiguration(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{AppID: "app-1"}); err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}
	if _, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret")}); err == nil {
		t.Fatalf("expected constructor error for missing app id")
	}
}

func TestTokenIssuerRequiresChannelAndUser(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{AppID: "app-1", SigningSecret: []byte("secret")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := issuer.IssueToken(context.Background(), " ", "alice"); err == nil {
		t.Fatalf("expected error for missing channel")
	}
	if _, err := issuer.IssueToken(context.Background(), "room-1", ""); err == nil {
		t.Fatalf("expected error for missing user")
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		AppID:         "app-1",
		SigningSecret: []byte("another-secret"),
		TokenTTL:      15 * time.Minute,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	grant, err := issuer.IssueToken(context.Background(), "room-1", "bob")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	claims, err := issuer.ValidateToken(grant.Token)
	if err != nil {
		t.Fatalf("expected token to validate: %v", err)
	}
	if claims.UID != UIDForUser("bob") {
		t.Fatalf("unexpected uid %d", claims.UID)
	}

	later, err := NewTokenIssuer(TokenIssuerConfig{
		AppID:         "app-1",
		SigningSecret: []byte("another-secret"),
		Clock:         func() time.Time { return now.Add(time.Hour) },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := later.ValidateToken(grant.Token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestUIDForUserMatchesBrowserHash(t *testing.T) {
	testCases := map[string]uint32{
		"alice":    92903041,
		"bob":      97718,
		"user-123": 3027269425,
		"":         1,
		"😀":        1772900,
	}
	for userID, want := range testCases {
		if got := UIDForUser(userID); got != want {
			t.Fatalf("uid for %q: expected %d, got %d", userID, want, got)
		}
	}
}

func TestBroadcastStateTranslatesKnownActions(t *testing.T) {
	state, ok := BroadcastState(ActionNotifyMuted)
	if !ok || state != StateUserMutedAudio {
		t.Fatalf("expected muted translation, got %q %v", state, ok)
	}
	if _, ok := BroadcastState("notify-dance"); ok {
		t.Fatalf("expected unknown action to be rejected")
	}
}
