// Package push stores browser push subscriptions and delivers notifications through
// an encrypting HTTP proxy.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opNewService   = "push.new"
	opSubscribe    = "push.subscribe"
	opUnsubscribe  = "push.unsubscribe"
	opNotify       = "push.notify"
	opDeliver      = "push.deliver"
	queryOwnerRoom = "user_id = ? AND room_id = ?"

	defaultRequestTimeout = 10 * time.Second
	welcomeTimeout        = 15 * time.Second
	bodyLimit             = 100
	bodyEllipsis          = "..."
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingEndpoint = errors.New("subscription endpoint is required")
	errMissingKeys     = errors.New("subscription keys are required")
)

// DeliveryObserver records delivery outcomes. *metrics.Recorder satisfies it.
type DeliveryObserver interface {
	PushDelivered(outcome string)
}

// Config describes the dependencies of a Service.
type Config struct {
	Database   *gorm.DB
	ProxyURL   string
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *zap.Logger
	Observer   DeliveryObserver
}

// Service manages subscriptions and proxies notifications.
type Service struct {
	db       *gorm.DB
	proxyURL string
	client   *http.Client
	clock    func() time.Time
	logger   *zap.Logger
	observer DeliveryObserver
}

// NewService constructs a Service. An empty ProxyURL disables delivery.
func NewService(cfg Config) (*Service, error) {
	if cfg.Database == nil {
		return nil, chat.NewOperationError(opNewService, "missing_database", chat.ErrStore, errMissingDatabase)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:       cfg.Database,
		proxyURL: strings.TrimSpace(cfg.ProxyURL),
		client:   client,
		clock:    clock,
		logger:   chat.LoggerOrNop(cfg.Logger),
		observer: cfg.Observer,
	}, nil
}

// Subscribe stores subscription for userID, scoped to roomID when non-empty.
// It reports whether the subscription is new; new subscriptions receive a welcome push.
func (s *Service) Subscribe(ctx context.Context, userID chat.UserID, roomID string, subscription Subscription) (bool, error) {
	if strings.TrimSpace(subscription.Endpoint) == "" {
		return false, chat.NewOperationError(opSubscribe, "missing_endpoint", chat.ErrValidation, errMissingEndpoint)
	}
	if subscription.Keys.P256dh == "" || subscription.Keys.Auth == "" {
		return false, chat.NewOperationError(opSubscribe, "missing_keys", chat.ErrValidation, errMissingKeys)
	}
	encoded, err := json.Marshal(subscription)
	if err != nil {
		return false, chat.NewOperationError(opSubscribe, "encode_failed", chat.ErrValidation, err)
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&SubscriptionRecord{
		UserID:           userID.String(),
		RoomID:           roomID,
		Endpoint:         subscription.Endpoint,
		SubscriptionJSON: string(encoded),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	})
	if result.Error != nil {
		s.logError(opSubscribe, "insert_failed", result.Error, userID, roomID)
		return false, chat.NewOperationError(opSubscribe, "insert_failed", chat.ErrStore, result.Error)
	}
	created := result.RowsAffected > 0
	if created {
		go s.sendWelcome(userID, roomID)
	}
	return created, nil
}

// Unsubscribe removes the subscription with endpoint. It reports whether one was removed.
func (s *Service) Unsubscribe(ctx context.Context, userID chat.UserID, roomID, endpoint string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where(queryOwnerRoom+" AND endpoint = ?", userID.String(), roomID, endpoint).
		Delete(&SubscriptionRecord{})
	if result.Error != nil {
		s.logError(opUnsubscribe, "delete_failed", result.Error, userID, roomID)
		return false, chat.NewOperationError(opUnsubscribe, "delete_failed", chat.ErrStore, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Notify delivers payload to every subscription of userID for roomID (global ones when roomID is empty).
// Subscriptions the proxy reports as gone (404 or 410) are removed.
func (s *Service) Notify(ctx context.Context, userID chat.UserID, roomID string, payload Payload) error {
	if s.proxyURL == "" {
		return nil
	}
	var records []SubscriptionRecord
	if err := s.db.WithContext(ctx).Where(queryOwnerRoom, userID.String(), roomID).Find(&records).Error; err != nil {
		s.logError(opNotify, "query_failed", err, userID, roomID)
		return chat.NewOperationError(opNotify, "query_failed", chat.ErrStore, err)
	}
	for _, record := range records {
		s.deliver(ctx, record, payload)
	}
	return nil
}

// NotifyChatMessage pushes a new-message notification for frame to each offline user.
func (s *Service) NotifyChatMessage(ctx context.Context, frame chat.Frame, offlineUserIDs []string) {
	if len(offlineUserIDs) == 0 {
		return
	}
	payload := ChatMessagePayload(frame)
	for _, userID := range offlineUserIDs {
		if err := s.Notify(ctx, chat.UserID(userID), frame.RoomID, payload); err != nil {
			s.logError(opNotify, "notify_failed", err, chat.UserID(userID), frame.RoomID)
		}
	}
}

// ChatMessagePayload builds the notification announcing frame.
func ChatMessagePayload(frame chat.Frame) Payload {
	body := "You received a new message"
	if text, ok := frame.Text(); ok {
		body = truncateBody(text)
	}
	return Payload{
		Title: fmt.Sprintf("New message in %s from %s", frame.RoomID, frame.UserID),
		Body:  body,
		Data: map[string]any{
			"roomId":    frame.RoomID,
			"messageId": frame.MessageID,
			"senderId":  frame.UserID,
		},
	}
}

func truncateBody(text string) string {
	runes := []rune(text)
	if len(runes) <= bodyLimit {
		return text
	}
	return string(runes[:bodyLimit-len(bodyEllipsis)]) + bodyEllipsis
}

func (s *Service) sendWelcome(userID chat.UserID, roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), welcomeTimeout)
	defer cancel()
	payload := Payload{
		Title: "Subscribed",
		Body:  "You will now receive offline message notifications.",
		Data:  map[string]any{"isGlobal": roomID == ""},
	}
	if roomID != "" {
		payload.Body = fmt.Sprintf("You will now receive offline message notifications for room %s.", roomID)
		payload.Data["roomId"] = roomID
	}
	if err := s.Notify(ctx, userID, roomID, payload); err != nil {
		s.logError(opSubscribe, "welcome_failed", err, userID, roomID)
	}
}

type proxyRequest struct {
	Subscription json.RawMessage `json:"subscription"`
	Payload      Payload         `json:"payload"`
}

func (s *Service) deliver(ctx context.Context, record SubscriptionRecord, payload Payload) {
	body, err := json.Marshal(proxyRequest{Subscription: json.RawMessage(record.SubscriptionJSON), Payload: payload})
	if err != nil {
		s.logError(opDeliver, "encode_failed", err, chat.UserID(record.UserID), record.RoomID)
		s.recordOutcome("error")
		return
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.proxyURL, bytes.NewReader(body))
	if err != nil {
		s.logError(opDeliver, "request_failed", err, chat.UserID(record.UserID), record.RoomID)
		s.recordOutcome("error")
		return
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := s.client.Do(request)
	if err != nil {
		s.logError(opDeliver, "proxy_unreachable", err, chat.UserID(record.UserID), record.RoomID)
		s.recordOutcome("error")
		return
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 1<<16))

	switch {
	case response.StatusCode == http.StatusNotFound || response.StatusCode == http.StatusGone:
		s.logger.Info("removing expired push subscription",
			zap.String("user_id", record.UserID),
			zap.String("room_id", record.RoomID),
			zap.Int("status", response.StatusCode),
		)
		if err := s.db.WithContext(ctx).Delete(&SubscriptionRecord{}, record.ID).Error; err != nil {
			s.logError(opDeliver, "remove_failed", err, chat.UserID(record.UserID), record.RoomID)
		}
		s.recordOutcome("expired")
	case response.StatusCode < 200 || response.StatusCode >= 300:
		s.logError(opDeliver, "proxy_status", fmt.Errorf("status %d", response.StatusCode), chat.UserID(record.UserID), record.RoomID)
		s.recordOutcome("error")
	default:
		s.recordOutcome("sent")
	}
}

func (s *Service) recordOutcome(outcome string) {
	if s.observer != nil {
		s.observer.PushDelivered(outcome)
	}
}

func (s *Service) logError(operation, reason string, err error, userID chat.UserID, roomID string) {
	chat.LogFailure(s.logger, "push error", operation, reason, err,
		zap.String("user_id", userID.String()),
		zap.String("room_id", roomID),
	)
}
