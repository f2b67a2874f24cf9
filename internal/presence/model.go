package presence

// OnlineUser marks a user as currently connected to a room.
type OnlineUser struct {
	RoomID          string `gorm:"column:room_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (OnlineUser) TableName() string {
	return "room_online_users"
}

// Member records that a user has joined a room at least once. Rows live until the room is purged.
type Member struct {
	RoomID               string `gorm:"column:room_id;primaryKey;size:190;not null"`
	UserID               string `gorm:"column:user_id;primaryKey;size:190;not null"`
	FirstJoinedAtSeconds int64  `gorm:"column:first_joined_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Member) TableName() string {
	return "room_members"
}

// PeekingUser marks a user whose client tab is currently visible.
type PeekingUser struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PeekingUser) TableName() string {
	return "room_peeking_users"
}
