// Package voice issues RTC channel tokens and maps user ids to numeric voice uids.
package voice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = time.Hour
	defaultIssuer   = "roomrelay-voice"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingAppID         = errors.New("app id must be provided")
	errMissingChannel       = errors.New("channel name must be provided")
	errMissingUser          = errors.New("user id must be provided")
)

// TokenIssuerConfig configures the voice token issuer.
type TokenIssuerConfig struct {
	AppID         string
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// Grant is the response to a token request.
type Grant struct {
	Token     string `json:"token"`
	AgoraUID  uint32 `json:"agoraUid"`
	AppID     string `json:"appId"`
	ExpiresIn int64  `json:"expiresIn"`
}

// Claims binds a token to one channel and uid.
type Claims struct {
	Channel string `json:"channel"`
	UID     uint32 `json:"uid"`
	jwt.RegisteredClaims
}

// TokenIssuer signs publisher tokens for voice channels.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if strings.TrimSpace(cfg.AppID) == "" {
		return nil, errMissingAppID
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = defaultIssuer
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			AppID:         cfg.AppID,
			SigningSecret: cfg.SigningSecret,
			Issuer:        issuer,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// IssueToken produces a signed token for userID on channelName.
func (i *TokenIssuer) IssueToken(_ context.Context, channelName, userID string) (Grant, error) {
	channelName = strings.TrimSpace(channelName)
	userID = strings.TrimSpace(userID)
	if channelName == "" {
		return Grant{}, errMissingChannel
	}
	if userID == "" {
		return Grant{}, errMissingUser
	}

	uid := UIDForUser(userID)
	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := Claims{
		Channel: channelName,
		UID:     uid,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(uid), 10),
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.AppID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return Grant{}, err
	}

	return Grant{
		Token:     signed,
		AgoraUID:  uid,
		AppID:     i.config.AppID,
		ExpiresIn: int64(expiresAt.Sub(now).Seconds()),
	}, nil
}

// ValidateToken ensures the token is well formed and returns its claims.
func (i *TokenIssuer) ValidateToken(tokenString string) (Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.AppID),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return Claims{}, err
	}
	if claims.Channel == "" {
		return Claims{}, errMissingChannel
	}
	return *claims, nil
}
