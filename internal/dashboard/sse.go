package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/helpdesk/internal/models"
	"gorm.io/gorm"
)

// Poll and heartbeat intervals for the event stream.
var (
	ssePollInterval      = 3 * time.Second
	sseHeartbeatInterval = 15 * time.Second
)

// ticketEvent announces a ticket created after the stream opened.
type ticketEvent struct {
	Token string `json:"token"`
	Kind  string `json:"kind"`
	User  string `json:"user"`
	Page  string `json:"page,omitempty"`
	New   int64  `json:"new"` // tickets still in status new
}

// handleSSE streams a "ticket" event for every ticket created while the
// client is connected.
func handleSSE(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		// Only tickets newer than the current max are announced.
		var lastSeenID uint
		var latest models.Ticket
		if err := db.WithContext(c.Request.Context()).Order("id DESC").Limit(1).First(&latest).Error; err == nil {
			lastSeenID = latest.ID
		}

		ctx := c.Request.Context()
		ticker := time.NewTicker(ssePollInterval)
		heartbeat := time.NewTicker(sseHeartbeatInterval)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				var fresh []models.Ticket
				if err := db.WithContext(ctx).Preload("Profile").
					Where("id > ?", lastSeenID).
					Order("id ASC").
					Find(&fresh).Error; err != nil || len(fresh) == 0 {
					continue
				}
				lastSeenID = fresh[len(fresh)-1].ID

				var pending int64
				db.WithContext(ctx).Model(&models.Ticket{}).
					Where("status = ?", models.StatusNew).
					Count(&pending)

				for i := range fresh {
					t := &fresh[i]
					writeSSE(c.Writer, "ticket", ticketEvent{
						Token: t.Token,
						Kind:  t.Kind(),
						User:  t.Profile.DisplayName(),
						Page:  deref(t.Page),
						New:   pending,
					})
				}
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
