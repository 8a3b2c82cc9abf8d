// Package discord implements the telegraph Adapter for Discord using the Gateway WebSocket.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/helpdesk/internal/telegraph"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// maxContentLen is Discord's message content limit in characters.
	maxContentLen = 2000
	// maxRowButtons and maxRows are Discord's component layout limits.
	maxRowButtons = 5
	maxRows       = 5
	// maxLabelLen is Discord's button label limit.
	maxLabelLen = 80
	// choicePrefix prefixes the custom IDs of keyboard buttons.
	choicePrefix = "hd_choice:"
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
	Download(ctx context.Context, url string) ([]byte, error)
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return r.s.InteractionRespond(interaction, resp, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Download fetches an attachment from the Discord CDN with the session's
// HTTP client.
func (r *realSession) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", r.s.UserAgent)
	resp, err := r.s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// Adapter implements telegraph.Adapter for Discord via the Gateway WebSocket.
type Adapter struct {
	sess        session
	botToken    string
	botUserID   string
	mu          sync.Mutex
	connected   bool
	closed      bool
	inbound     chan telegraph.InboundMessage
	removers    []func()
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string // Discord bot token
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Adapter{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		inbound:     make(chan telegraph.InboundMessage, 100),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real session if not injected (production path).
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	// Capture bot user ID on connect/reconnect.
	a.removers = append(a.removers, a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	}))

	// discordgo reconnects on its own; log it for observability.
	a.removers = append(a.removers, a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	}))

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen registers the message and button handlers and returns the inbound
// channel. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}

	a.removers = append(a.removers,
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessage(m)
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
			a.handleInteraction(i)
		}),
	)
	return a.inbound, nil
}

// Send delivers a text message. Content longer than Discord allows is split
// across messages; a keyboard rides on the last one.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) telegraph.SendResult {
	if err := a.ready(msg.ChannelID); err != nil {
		return telegraph.Failed(err)
	}

	text := msg.Text
	if msg.HTML {
		text = htmlToMarkdown(text)
	}
	chunks := splitContent(text, maxContentLen)
	for i, chunk := range chunks {
		data := &discordgo.MessageSend{Content: chunk}
		if i == len(chunks)-1 {
			data.Components = buildComponents(msg.Keyboard)
		}
		if err := a.send(ctx, msg.ChannelID, data); err != nil {
			return telegraph.Failed(fmt.Errorf("discord: send message: %w", err))
		}
	}
	return telegraph.Delivered()
}

// SendPhoto sends an image attachment with a caption.
func (a *Adapter) SendPhoto(ctx context.Context, msg telegraph.MediaMessage) telegraph.SendResult {
	return a.sendFile(ctx, msg, "image/jpeg")
}

// SendDocument sends a file attachment with a caption.
func (a *Adapter) SendDocument(ctx context.Context, msg telegraph.MediaMessage) telegraph.SendResult {
	return a.sendFile(ctx, msg, "")
}

func (a *Adapter) sendFile(ctx context.Context, msg telegraph.MediaMessage, contentType string) telegraph.SendResult {
	if err := a.ready(msg.ChannelID); err != nil {
		return telegraph.Failed(err)
	}
	caption := msg.Caption
	if msg.HTML {
		caption = htmlToMarkdown(caption)
	}
	err := a.retryOnRateLimit(ctx, func() error {
		_, sendErr := a.sess.ChannelMessageSendComplex(msg.ChannelID, &discordgo.MessageSend{
			Content: truncate(caption, maxContentLen),
			Files: []*discordgo.File{{
				Name:        msg.FileName,
				ContentType: contentType,
				Reader:      bytes.NewReader(msg.Data),
			}},
		}, discordgo.WithContext(ctx))
		return sendErr
	})
	if err != nil {
		return telegraph.Failed(fmt.Errorf("discord: send %s: %w", msg.FileName, err))
	}
	return telegraph.Delivered()
}

// Download fetches an attachment by its CDN URL.
func (a *Adapter) Download(ctx context.Context, ref telegraph.FileRef) ([]byte, error) {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	if ref.URL == "" {
		return nil, fmt.Errorf("discord: download %s: no url", ref.ID)
	}
	data, err := a.sess.Download(ctx, ref.URL)
	if err != nil {
		return nil, fmt.Errorf("discord: download %s: %w", ref.ID, err)
	}
	return data, nil
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	for _, remove := range a.removers {
		remove()
	}
	a.removers = nil
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after the Ready event).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

func (a *Adapter) ready(channelID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("discord: not connected")
	}
	if channelID == "" {
		return fmt.Errorf("discord: no channel specified")
	}
	return nil
}

func (a *Adapter) send(ctx context.Context, channelID string, data *discordgo.MessageSend) error {
	return a.retryOnRateLimit(ctx, func() error {
		_, err := a.sess.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx))
		return err
	})
}

// emit forwards msg unless the adapter has been closed.
func (a *Adapter) emit(msg telegraph.InboundMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- msg:
	default:
		log.Printf("discord: inbound buffer full, dropping message from %s", msg.UserID)
	}
}

// handleMessage converts a Discord message event to an InboundMessage.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == a.BotUserID() {
		return
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	a.emit(telegraph.InboundMessage{
		Platform:  "discord",
		ChannelID: m.ChannelID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		FirstName: m.Author.GlobalName,
		Text:      m.Content,
		Photo:     firstImage(m.Attachments),
		Timestamp: ts,
	})
}

// handleInteraction acknowledges a keyboard button click and forwards the
// button's label as text.
func (a *Adapter) handleInteraction(i *discordgo.InteractionCreate) {
	if i.Interaction == nil || i.Type != discordgo.InteractionMessageComponent {
		return
	}
	data := i.MessageComponentData()
	label, ok := strings.CutPrefix(data.CustomID, choicePrefix)
	if !ok {
		return
	}

	if err := a.sess.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		log.Printf("discord: acknowledge interaction: %v", err)
	}

	user := i.User
	if user == nil && i.Member != nil {
		user = i.Member.User
	}
	if user == nil {
		return
	}
	a.emit(telegraph.InboundMessage{
		Platform:  "discord",
		ChannelID: i.ChannelID,
		UserID:    user.ID,
		UserName:  user.Username,
		FirstName: user.GlobalName,
		Text:      label,
		Timestamp: time.Now(),
	})
}

// firstImage returns the first image attachment, if any.
func firstImage(atts []*discordgo.MessageAttachment) *telegraph.FileRef {
	for _, att := range atts {
		if att != nil && strings.HasPrefix(att.ContentType, "image/") {
			return &telegraph.FileRef{
				ID:       att.ID,
				URL:      att.URL,
				Name:     att.Filename,
				MimeType: att.ContentType,
			}
		}
	}
	return nil
}

// buildComponents lays out keyboard rows as button rows within Discord's
// limits. Rows wider than allowed wrap.
func buildComponents(keyboard [][]string) []discordgo.MessageComponent {
	var rows []discordgo.MessageComponent
	var current []discordgo.MessageComponent
	flush := func() {
		if len(current) > 0 && len(rows) < maxRows {
			rows = append(rows, discordgo.ActionsRow{Components: current})
		}
		current = nil
	}
	for _, row := range keyboard {
		for _, label := range row {
			if len(current) == maxRowButtons {
				flush()
			}
			style := discordgo.PrimaryButton
			if label == "Cancel" {
				style = discordgo.SecondaryButton
			}
			current = append(current, discordgo.Button{
				Label:    truncate(label, maxLabelLen),
				Style:    style,
				CustomID: choicePrefix + label,
			})
		}
		flush()
	}
	return rows
}

// markdownReplacer maps the HTML produced by telegraph formatters onto
// Discord markdown.
var markdownReplacer = strings.NewReplacer("<b>", "**", "</b>", "**")

func htmlToMarkdown(s string) string {
	return html.UnescapeString(markdownReplacer.Replace(s))
}

// splitContent breaks s into chunks of at most limit runes, preferring line
// breaks.
func splitContent(s string, limit int) []string {
	var chunks []string
	for utf8.RuneCountInString(s) > limit {
		cut := runeOffset(s, limit)
		if nl := strings.LastIndexByte(s[:cut], '\n'); nl > 0 {
			cut = nl + 1
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	return append(chunks, s)
}

// runeOffset returns the byte offset of the n-th rune of s.
func runeOffset(s string, n int) int {
	i := 0
	for off := range s {
		if i == n {
			return off
		}
		i++
	}
	return len(s)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return s[:runeOffset(s, limit-3)] + "..."
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		// Check if it's a rate limit error.
		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err // not a rate limit error
		}

		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
