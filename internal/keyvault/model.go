package keyvault

// RoomKeyRecord stores the base64 room key and its version.
type RoomKeyRecord struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:190;not null"`
	KeyB64           string `gorm:"column:key_b64;size:64;not null"`
	Version          int    `gorm:"column:version;not null;default:1"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomKeyRecord) TableName() string {
	return "room_keys"
}
