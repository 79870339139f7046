package models

import "time"

// CachedRoom is the last known summary of one room.
type CachedRoom struct {
	RoomID         string    `gorm:"primaryKey;size:64"`
	DisplayTitle   string    `gorm:"size:256"`
	PhoneKey       string    `gorm:"size:32;index"`
	LinkedLeadID   string    `gorm:"size:64"`
	LastPreview    string    `gorm:"type:text"`
	LastActivityAt time.Time `gorm:"index"`
	UnreadCount    int       `gorm:"default:0"`
	AssignedAgents string    `gorm:"type:text"` // JSON array of agent ids
	UpdatedAt      time.Time
}
