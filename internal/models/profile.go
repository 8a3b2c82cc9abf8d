package models

import "time"

// UserProfile is the local record of a chat user, keyed by their transport
// identity. Display fields are captured once, on first contact.
type UserProfile struct {
	ID          uint    `gorm:"primaryKey;autoIncrement"`
	TransportID string  `gorm:"size:64;uniqueIndex;not null"`
	Username    *string `gorm:"size:128"`
	FirstName   *string `gorm:"size:128"`
	LastName    *string `gorm:"size:128"`
	CreatedAt   time.Time

	Tickets []Ticket `gorm:"foreignKey:ProfileID"`
}

// DisplayName renders the profile the way support staff see it:
// "First @username", falling back to whichever part is present.
func (p *UserProfile) DisplayName() string {
	if p == nil {
		return ""
	}
	first := deref(p.FirstName)
	user := deref(p.Username)
	switch {
	case first != "" && user != "":
		return first + " @" + user
	case user != "":
		return "@" + user
	case first != "":
		return first
	}
	return p.TransportID
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
