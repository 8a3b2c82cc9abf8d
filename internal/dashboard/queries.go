package dashboard

import (
	"time"

	"github.com/zulandar/helpdesk/internal/models"
)

// TicketRow is one entry of the ticket list.
type TicketRow struct {
	Token     string    `json:"token"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	User      string    `json:"user"`
	Page      string    `json:"page,omitempty"`
	Section   string    `json:"section,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AttachmentMeta describes an attachment without its payload.
type AttachmentMeta struct {
	ID         uint      `json:"id"`
	FileName   string    `json:"file_name"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// TicketDetail is the full view of one ticket.
type TicketDetail struct {
	TicketRow
	TransportID    string           `json:"transport_id"`
	Description    string           `json:"description"`
	AdditionalInfo string           `json:"additional_info,omitempty"`
	Attachments    []AttachmentMeta `json:"attachments"`
}

func toTicketRow(t *models.Ticket) TicketRow {
	return TicketRow{
		Token:     t.Token,
		Kind:      t.Kind(),
		Status:    t.Status,
		User:      t.Profile.DisplayName(),
		Page:      deref(t.Page),
		Section:   deref(t.Section),
		CreatedAt: t.CreatedAt,
	}
}

func toTicketDetail(t *models.Ticket) TicketDetail {
	d := TicketDetail{
		TicketRow:      toTicketRow(t),
		TransportID:    t.Profile.TransportID,
		Description:    t.Description,
		AdditionalInfo: deref(t.AdditionalInfo),
		Attachments:    make([]AttachmentMeta, 0, len(t.Attachments)),
	}
	for _, a := range t.Attachments {
		d.Attachments = append(d.Attachments, AttachmentMeta{
			ID:         a.ID,
			FileName:   a.FileName,
			UploadedAt: a.UploadedAt,
		})
	}
	return d
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
