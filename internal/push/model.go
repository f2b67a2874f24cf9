package push

// SubscriptionRecord stores one browser push subscription. An empty RoomID marks a global subscription.
type SubscriptionRecord struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID           string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_push_owner_endpoint,priority:1"`
	RoomID           string `gorm:"column:room_id;size:190;not null;default:'';uniqueIndex:idx_push_owner_endpoint,priority:2"`
	Endpoint         string `gorm:"column:endpoint;size:1024;not null;uniqueIndex:idx_push_owner_endpoint,priority:3"`
	SubscriptionJSON string `gorm:"column:subscription_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SubscriptionRecord) TableName() string {
	return "push_subscriptions"
}

// Keys carries the subscription's client encryption material.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is the browser push subscription as submitted by the client.
type Subscription struct {
	Endpoint       string `json:"endpoint"`
	ExpirationTime *int64 `json:"expirationTime"`
	Keys           Keys   `json:"keys"`
}

// Payload is the notification delivered through the proxy.
type Payload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}
