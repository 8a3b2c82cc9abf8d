package models

import "time"

// Ticket statuses. Only StatusNew is written by the bot; the rest exist for
// support staff working tickets elsewhere.
const (
	StatusNew        = "new"
	StatusInProgress = "in_progress"
	StatusResolved   = "resolved"
	StatusClosed     = "closed"
)

// TokenLength is the length of the public ticket number shown to users.
const TokenLength = 8

// Ticket is a persisted support request: an issue report or a suggestion.
// Issues carry AdditionalInfo and never a Section; suggestions are the reverse.
type Ticket struct {
	ID             uint    `gorm:"primaryKey;autoIncrement"`
	Token          string  `gorm:"size:8;uniqueIndex;not null"`
	ProfileID      uint    `gorm:"index;not null"`
	Description    string  `gorm:"type:text;not null"`
	AdditionalInfo *string `gorm:"type:text"`
	Page           *string `gorm:"size:100"`
	Section        *string `gorm:"size:100"`
	Status         string  `gorm:"size:16;default:new;index"`
	IsSuggestion   bool    `gorm:"default:false;index"`
	CreatedAt      time.Time

	Profile     UserProfile  `gorm:"foreignKey:ProfileID"`
	Attachments []Attachment `gorm:"foreignKey:TicketID;constraint:OnDelete:CASCADE"`
}

// Kind returns "suggestion" or "issue".
func (t *Ticket) Kind() string {
	if t.IsSuggestion {
		return KindSuggestion
	}
	return KindIssue
}

// Ticket kinds, used by listing filters.
const (
	KindIssue      = "issue"
	KindSuggestion = "suggestion"
)

// ValidStatus reports whether s is a known ticket status.
func ValidStatus(s string) bool {
	switch s {
	case StatusNew, StatusInProgress, StatusResolved, StatusClosed:
		return true
	}
	return false
}
