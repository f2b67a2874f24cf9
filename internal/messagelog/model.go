package messagelog

// LogEntry stores one sealed envelope at its log position.
type LogEntry struct {
	EntryID      int64  `gorm:"column:entry_id;primaryKey;autoIncrement"`
	RoomID       string `gorm:"column:room_id;size:190;not null;uniqueIndex:idx_log_room_position,priority:1"`
	Millis       int64  `gorm:"column:millis;not null;uniqueIndex:idx_log_room_position,priority:2"`
	Seq          int64  `gorm:"column:seq;not null;uniqueIndex:idx_log_room_position,priority:3"`
	EnvelopeJSON string `gorm:"column:envelope_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LogEntry) TableName() string {
	return "room_log_entries"
}

// Position returns the entry's log position.
func (e LogEntry) Position() Position {
	return Position{Millis: e.Millis, Seq: e.Seq}
}

// EditRedirect maps a stable client message id to the live log position of its latest version.
type EditRedirect struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:190;not null"`
	ClientMessageID  string `gorm:"column:client_message_id;primaryKey;size:190;not null"`
	Position         string `gorm:"column:position;size:64;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EditRedirect) TableName() string {
	return "room_edit_redirects"
}

// LogHead records the last position ever assigned in a room. It outlives deleted entries
// so positions are never handed out twice.
type LogHead struct {
	RoomID string `gorm:"column:room_id;primaryKey;size:190;not null"`
	Millis int64  `gorm:"column:millis;not null"`
	Seq    int64  `gorm:"column:seq;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LogHead) TableName() string {
	return "room_log_heads"
}

// Position returns the last assigned position.
func (h LogHead) Position() Position {
	return Position{Millis: h.Millis, Seq: h.Seq}
}
