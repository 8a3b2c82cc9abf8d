// Package ticket persists user profiles, tickets and their screenshots.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/helpdesk/internal/models"
	"gorm.io/gorm"
)

// maxTokenAttempts bounds token regeneration after a unique-index collision.
const maxTokenAttempts = 5

// ErrNotFound is returned when a ticket token does not exist.
var ErrNotFound = errors.New("ticket: not found")

// ErrInvalidFilter is returned by List for an unknown status or kind.
var ErrInvalidFilter = errors.New("ticket: invalid filter")

// ProfileDefaults are the display fields captured when a profile is first
// created. They are ignored for existing profiles.
type ProfileDefaults struct {
	Username  string
	FirstName string
	LastName  string
}

// Screenshot is an image to attach to a new ticket. Data is base64 text.
type Screenshot struct {
	FileName string
	Data     string
}

// CreateOpts holds parameters for creating a ticket.
type CreateOpts struct {
	Profile        *models.UserProfile
	Description    string
	Page           string
	Section        string // suggestions only
	AdditionalInfo *string
	IsSuggestion   bool
	Screenshot     *Screenshot // issues only; written in the same transaction
}

// ListFilters holds optional filters for listing tickets.
type ListFilters struct {
	Status string
	Kind   string // models.KindIssue or models.KindSuggestion
	Search string // token prefix
	Limit  int
}

// Counts summarizes tickets created in a window.
type Counts struct {
	Issues      int64
	Suggestions int64
}

// Total returns the number of tickets of both kinds.
func (c Counts) Total() int64 { return c.Issues + c.Suggestions }

// Store is the ticket repository.
type Store struct {
	db       *gorm.DB
	locks    keyedMutex
	newToken func() (string, error)
}

// NewStore creates a Store backed by db.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("ticket: store: db is required")
	}
	return &Store{db: db, newToken: GenerateToken}, nil
}

// GenerateToken returns a public ticket number: the first eight characters
// of a random UUID.
func GenerateToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("ticket: generate token: %w", err)
	}
	return id.String()[:models.TokenLength], nil
}

// GetOrCreateProfile returns the profile for transportID, creating it with
// defaults on first contact. Concurrent calls for the same identity inside
// this process are serialized; the unique index covers other processes.
func (s *Store) GetOrCreateProfile(ctx context.Context, transportID string, defaults ProfileDefaults) (*models.UserProfile, error) {
	if transportID == "" {
		return nil, fmt.Errorf("ticket: profile: transport id is required")
	}
	unlock := s.locks.Lock(transportID)
	defer unlock()

	db := s.db.WithContext(ctx)
	var p models.UserProfile
	err := db.Where(models.UserProfile{TransportID: transportID}).
		Attrs(models.UserProfile{
			Username:  optional(defaults.Username),
			FirstName: optional(defaults.FirstName),
			LastName:  optional(defaults.LastName),
		}).
		FirstOrCreate(&p).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Another process inserted first.
		err = db.Where("transport_id = ?", transportID).First(&p).Error
	}
	if err != nil {
		return nil, fmt.Errorf("ticket: profile %s: %w", transportID, err)
	}
	return &p, nil
}

// Create persists a new ticket with a fresh token and status "new". When
// opts.Screenshot is set the attachment row is written in the same
// transaction.
func (s *Store) Create(ctx context.Context, opts CreateOpts) (*models.Ticket, error) {
	if opts.Profile == nil || opts.Profile.ID == 0 {
		return nil, fmt.Errorf("ticket: create: profile is required")
	}
	if strings.TrimSpace(opts.Description) == "" {
		return nil, fmt.Errorf("ticket: create: description is required")
	}
	if opts.IsSuggestion {
		if opts.AdditionalInfo != nil {
			return nil, fmt.Errorf("ticket: create: suggestions have no additional info")
		}
		if opts.Screenshot != nil {
			return nil, fmt.Errorf("ticket: create: suggestions have no screenshot")
		}
	} else {
		if opts.AdditionalInfo == nil {
			return nil, fmt.Errorf("ticket: create: issues require additional info")
		}
		if opts.Section != "" {
			return nil, fmt.Errorf("ticket: create: issues have no section")
		}
	}

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := s.newToken()
		if err != nil {
			return nil, err
		}
		t := models.Ticket{
			Token:          token,
			ProfileID:      opts.Profile.ID,
			Description:    opts.Description,
			AdditionalInfo: opts.AdditionalInfo,
			Page:           optional(opts.Page),
			Section:        optional(opts.Section),
			Status:         models.StatusNew,
			IsSuggestion:   opts.IsSuggestion,
		}
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&t).Error; err != nil {
				return err
			}
			if opts.Screenshot == nil {
				return nil
			}
			a := models.Attachment{
				TicketID:   t.ID,
				FileName:   opts.Screenshot.FileName,
				FileData:   opts.Screenshot.Data,
				UploadedAt: time.Now(),
			}
			if err := tx.Create(&a).Error; err != nil {
				return err
			}
			t.Attachments = []models.Attachment{a}
			return nil
		})
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ticket: create: %w", err)
		}
		t.Profile = *opts.Profile
		return &t, nil
	}
	return nil, fmt.Errorf("ticket: create: no unique token after %d attempts", maxTokenAttempts)
}

// CreateAttachment stores a base64 screenshot for an existing ticket.
func (s *Store) CreateAttachment(ctx context.Context, t *models.Ticket, fileName, data string) (*models.Attachment, error) {
	if t == nil || t.ID == 0 {
		return nil, fmt.Errorf("ticket: attachment: ticket is required")
	}
	a := models.Attachment{
		TicketID:   t.ID,
		FileName:   fileName,
		FileData:   data,
		UploadedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&a).Error; err != nil {
		return nil, fmt.Errorf("ticket: attachment for %s: %w", t.Token, err)
	}
	return &a, nil
}

// Get retrieves a ticket by token, preloading its profile and attachments.
func (s *Store) Get(ctx context.Context, token string) (*models.Ticket, error) {
	var t models.Ticket
	err := s.db.WithContext(ctx).
		Preload("Profile").
		Preload("Attachments").
		Where("token = ?", token).
		First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, token)
		}
		return nil, fmt.Errorf("ticket: get %s: %w", token, err)
	}
	return &t, nil
}

// Attachment returns one attachment of a ticket.
func (s *Store) Attachment(ctx context.Context, ticketID, attachmentID uint) (*models.Attachment, error) {
	var a models.Attachment
	err := s.db.WithContext(ctx).
		Where("id = ? AND ticket_id = ?", attachmentID, ticketID).
		First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: attachment %d", ErrNotFound, attachmentID)
		}
		return nil, fmt.Errorf("ticket: attachment %d: %w", attachmentID, err)
	}
	return &a, nil
}

// List returns tickets matching the filters, newest first.
func (s *Store) List(ctx context.Context, filters ListFilters) ([]models.Ticket, error) {
	q := s.db.WithContext(ctx).Model(&models.Ticket{}).Preload("Profile")

	if filters.Status != "" {
		if !models.ValidStatus(filters.Status) {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, filters.Status)
		}
		q = q.Where("status = ?", filters.Status)
	}
	switch filters.Kind {
	case "":
	case models.KindIssue:
		q = q.Where("is_suggestion = ?", false)
	case models.KindSuggestion:
		q = q.Where("is_suggestion = ?", true)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidFilter, filters.Kind)
	}
	if filters.Search != "" {
		q = q.Where("token LIKE ?", strings.ToLower(filters.Search)+"%")
	}
	if filters.Limit > 0 {
		q = q.Limit(filters.Limit)
	}

	var tickets []models.Ticket
	if err := q.Order("created_at DESC, id DESC").Find(&tickets).Error; err != nil {
		return nil, fmt.Errorf("ticket: list: %w", err)
	}
	return tickets, nil
}

// CountSince counts issues and suggestions created at or after since.
func (s *Store) CountSince(ctx context.Context, since time.Time) (Counts, error) {
	var rows []struct {
		IsSuggestion bool
		Count        int64
	}
	err := s.db.WithContext(ctx).Model(&models.Ticket{}).
		Select("is_suggestion, COUNT(*) as count").
		Where("created_at >= ?", since).
		Group("is_suggestion").
		Find(&rows).Error
	if err != nil {
		return Counts{}, fmt.Errorf("ticket: count since %s: %w", since.Format(time.RFC3339), err)
	}
	var c Counts
	for _, r := range rows {
		if r.IsSuggestion {
			c.Suggestions = r.Count
		} else {
			c.Issues = r.Count
		}
	}
	return c, nil
}

// optional maps an empty string to nil.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
