package dashboard

import (
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/helpdesk/internal/ticket"
	"gorm.io/gorm"
)

// defaultListLimit caps list responses when no limit is given.
const defaultListLimit = 50

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, store *ticket.Store, db *gorm.DB) {
	router.GET("/healthz", handleHealth(db))

	api := router.Group("/api")
	api.GET("/tickets", handleTicketList(store))
	api.GET("/tickets/:token", handleTicketDetail(store))
	api.GET("/tickets/:token/attachments/:id", handleAttachment(store))
	api.GET("/events", handleSSE(db))
}

func handleHealth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleTicketList(store *ticket.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultListLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}

		tickets, err := store.List(c.Request.Context(), ticket.ListFilters{
			Status: c.Query("status"),
			Kind:   c.Query("kind"),
			Search: c.Query("q"),
			Limit:  limit,
		})
		if err != nil {
			if errors.Is(err, ticket.ErrInvalidFilter) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			log.Printf("dashboard: list tickets: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		rows := make([]TicketRow, len(tickets))
		for i := range tickets {
			rows[i] = toTicketRow(&tickets[i])
		}
		c.JSON(http.StatusOK, gin.H{"tickets": rows, "count": len(rows)})
	}
}

func handleTicketDetail(store *ticket.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := store.Get(c.Request.Context(), c.Param("token"))
		if err != nil {
			writeLookupError(c, "get ticket", err)
			return
		}
		c.JSON(http.StatusOK, toTicketDetail(t))
	}
}

func handleAttachment(store *ticket.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attachment id"})
			return
		}

		ctx := c.Request.Context()
		t, err := store.Get(ctx, c.Param("token"))
		if err != nil {
			writeLookupError(c, "get ticket", err)
			return
		}
		a, err := store.Attachment(ctx, t.ID, uint(id))
		if err != nil {
			writeLookupError(c, "get attachment", err)
			return
		}

		data, err := base64.StdEncoding.DecodeString(a.FileData)
		if err != nil {
			log.Printf("dashboard: attachment %d of %s: %v", a.ID, t.Token, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "attachment is corrupt"})
			return
		}
		c.Header("Content-Disposition", "inline; filename=\""+a.FileName+"\"")
		c.Data(http.StatusOK, http.DetectContentType(data), data)
	}
}

func writeLookupError(c *gin.Context, action string, err error) {
	if errors.Is(err, ticket.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	log.Printf("dashboard: %s: %v", action, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
