package models

import "time"

// CachedMessage is one confirmed message of a room's recent history.
type CachedMessage struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	RoomID        string    `gorm:"size:64;not null;uniqueIndex:idx_room_message"`
	MessageKey    string    `gorm:"size:192;not null;uniqueIndex:idx_room_message"`
	ServerID      string    `gorm:"size:64"`
	ExternalID    string    `gorm:"size:128;index"`
	SenderKind    string    `gorm:"size:16"`
	DeliveryState string    `gorm:"size:16"`
	Payload       string    `gorm:"type:text;not null"` // JSON wire message
	SentAt        time.Time `gorm:"index"`
}
