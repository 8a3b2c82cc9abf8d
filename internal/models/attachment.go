package models

import "time"

// Attachment is a screenshot stored inline with its ticket as base64 text.
type Attachment struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	TicketID   uint   `gorm:"index;not null"`
	FileName   string `gorm:"size:255"`
	FileData   string `gorm:"type:longtext"`
	UploadedAt time.Time
}
