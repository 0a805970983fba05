package model

import "github.com/richardliu001/courier/internal/retry"

// Event is a domain or integration event waiting for (or done with) delivery.
type Event struct {
	ID              uint64 `gorm:"primaryKey"`
	UUID            string `gorm:"column:event_uuid;size:64;not null;uniqueIndex"`
	SvcName         string `gorm:"size:255;not null;index"`
	EventType       string `gorm:"size:255;not null;index"`
	Data            string `gorm:"type:text"`
	DataType        string `gorm:"size:255;not null"`
	retry.Operation `gorm:"embedded"`
	Version         uint64 `gorm:"not null;default:0"`
}

func (Event) TableName() string { return "event" }

// ArchivedEvent is the cold copy of an expired Event.
type ArchivedEvent struct {
	Event
}

func (ArchivedEvent) TableName() string { return "archived_event" }
