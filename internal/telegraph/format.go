package telegraph

import (
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zulandar/helpdesk/internal/models"
	"github.com/zulandar/helpdesk/internal/report"
	"github.com/zulandar/helpdesk/internal/ticket"
)

// Platform limits for support channel messages.
const (
	maxCaptionLen = 1024
	maxTextLen    = 4096
)

// Sender identifies who opened a ticket, as seen on the message that
// finished the conversation.
type Sender struct {
	UserID    string
	UserName  string
	FirstName string
}

// SenderFrom extracts the sender of an inbound message.
func SenderFrom(msg InboundMessage) Sender {
	return Sender{UserID: msg.UserID, UserName: msg.UserName, FirstName: msg.FirstName}
}

// Handle renders the sender as "@username (First)", falling back to
// whichever parts are known.
func (s Sender) Handle() string {
	switch {
	case s.UserName != "" && s.FirstName != "":
		return fmt.Sprintf("@%s (%s)", s.UserName, s.FirstName)
	case s.UserName != "":
		return "@" + s.UserName
	case s.FirstName != "":
		return s.FirstName
	}
	return "id " + s.UserID
}

// FormatIssue renders the HTML support summary for an issue ticket. User
// supplied fields are escaped and shortened so the result fits within limit
// runes; a non-positive limit disables shortening.
func FormatIssue(t *models.Ticket, from Sender, limit int) string {
	page := orUnknown(deref(t.Page))
	return fitFields(limit, func(f []string) string {
		return fmt.Sprintf("New ticket #%s\nFrom: %s\n\nPage: %s\n<b>Problem description:</b>\n%s\n\n<b>Additional info:</b>\n%s",
			t.Token, esc(from.Handle()), esc(f[0]), esc(f[1]), esc(f[2]))
	}, page, t.Description, deref(t.AdditionalInfo))
}

// FormatSuggestion renders the HTML support summary for a suggestion ticket.
func FormatSuggestion(t *models.Ticket, from Sender, limit int) string {
	return fitFields(limit, func(f []string) string {
		return fmt.Sprintf("New suggestion #%s\nFrom: %s\n\nPage: %s\nSection: %s\nSubmitted at: %s\n\n<b>Suggestion:</b>\n%s",
			t.Token, esc(from.Handle()), esc(f[0]), esc(f[1]), t.CreatedAt.Format(report.TimeLayout), esc(f[2]))
	}, orUnknown(deref(t.Page)), orNone(deref(t.Section)), t.Description)
}

// FormatDigest renders the periodic activity summary.
func FormatDigest(c ticket.Counts, since, until time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Support digest</b> (%s to %s)\n",
		since.Format("2006-01-02 15:04"), until.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Issues: %d\n", c.Issues)
	fmt.Fprintf(&b, "Suggestions: %d\n", c.Suggestions)
	fmt.Fprintf(&b, "Total: %d", c.Total())
	return b.String()
}

// fitFields renders fields with render and, while the result exceeds limit
// runes, shortens the longest field. fields is modified in place.
func fitFields(limit int, render func([]string) string, fields ...string) string {
	out := render(fields)
	if limit <= 0 {
		return out
	}
	for {
		over := utf8.RuneCountInString(out) - limit
		if over <= 0 {
			return out
		}
		longest := 0
		for i := range fields {
			if utf8.RuneCountInString(fields[i]) > utf8.RuneCountInString(fields[longest]) {
				longest = i
			}
		}
		n := utf8.RuneCountInString(fields[longest])
		if n == 0 {
			return out
		}
		// Escaping makes rendered text longer than the raw field, so cut
		// at most half per pass.
		keep := max(n-over-len(ellipsis), n/2)
		if keep+len(ellipsis) >= n {
			fields[longest] = ""
		} else {
			fields[longest] = truncate(fields[longest], keep)
		}
		out = render(fields)
	}
}

const ellipsis = "..."

// truncate returns s cut to maxLen runes with "..." appended if needed.
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	r := []rune(s)
	return string(r[:maxLen]) + ellipsis
}

func esc(s string) string { return html.EscapeString(s) }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
