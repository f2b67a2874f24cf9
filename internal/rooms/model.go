package rooms

// RoomMeta holds optional room settings. A row makes the room exist even with an empty log.
type RoomMeta struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:190;not null"`
	PasswordHash     string `gorm:"column:password_hash;size:100"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomMeta) TableName() string {
	return "room_meta"
}
