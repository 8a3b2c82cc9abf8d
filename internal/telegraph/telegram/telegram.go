// Package telegram implements the telegraph Adapter for the Telegram Bot API
// using long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/zulandar/helpdesk/internal/telegraph"
)

const (
	// maxRetries is the max number of retries for flood-controlled calls.
	maxRetries = 3
	// pollTimeoutSec is the long-polling timeout for getUpdates.
	pollTimeoutSec = 60
	// httpTimeout must exceed the long-polling timeout.
	httpTimeout = 90 * time.Second
)

// botAPI abstracts the tgbotapi.BotAPI methods we use, enabling test mocks.
type botAPI interface {
	GetMe() (tgbotapi.User, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetFileDirectURL(fileID string) (string, error)
}

// Adapter implements telegraph.Adapter for Telegram.
type Adapter struct {
	bot        botAPI
	token      string
	httpClient *http.Client
	botUserID  string
	mu         sync.Mutex
	connected  bool
	listening  bool
	closed     bool
	inbound    chan telegraph.InboundMessage
	cancelFunc context.CancelFunc
	pumpDone   chan struct{}
	retryUnit  time.Duration // multiplied by Telegram's retry_after seconds
}

// AdapterOpts holds parameters for creating a Telegram Adapter.
type AdapterOpts struct {
	Token      string       // bot token from @BotFather
	HTTPClient *http.Client // optional; used for API calls and downloads
	// For testing: inject a mock bot instead of the real Bot API.
	Bot botAPI
}

// New creates a Telegram Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Bot == nil && opts.Token == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: httpTimeout}
	}
	return &Adapter{
		bot:        opts.Bot,
		token:      opts.Token,
		httpClient: client,
		inbound:    make(chan telegraph.InboundMessage, 100),
		retryUnit:  time.Second,
	}, nil
}

// Connect validates the token and records the bot's user ID.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("telegram: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real bot if not injected (production path).
	if a.bot == nil {
		bot, err := tgbotapi.NewBotAPIWithClient(a.token, tgbotapi.APIEndpoint, a.httpClient)
		if err != nil {
			return fmt.Errorf("telegram: create bot: %w", err)
		}
		a.bot = bot
	}

	me, err := a.bot.GetMe()
	if err != nil {
		return fmt.Errorf("telegram: get me: %w", err)
	}
	a.botUserID = strconv.FormatInt(me.ID, 10)
	log.Printf("telegram: connected as @%s (ID: %d)", me.UserName, me.ID)

	a.connected = true
	return nil
}

// Listen starts long polling and returns the inbound channel. Must be
// called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("telegram: not connected")
	}
	if a.listening {
		return a.inbound, nil
	}

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeoutSec
	cfg.AllowedUpdates = []string{"message"}
	updates := a.bot.GetUpdatesChan(cfg)

	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	a.listening = true
	a.pumpDone = make(chan struct{})
	go a.pumpUpdates(listenCtx, updates)

	return a.inbound, nil
}

// Send delivers a text message. A relocated group chat surfaces as a
// Relocated result carrying the new chat ID.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) telegraph.SendResult {
	chatID, err := a.chatID(msg.ChannelID)
	if err != nil {
		return telegraph.Failed(err)
	}

	cfg := tgbotapi.NewMessage(chatID, msg.Text)
	if msg.HTML {
		cfg.ParseMode = tgbotapi.ModeHTML
	}
	cfg.DisableWebPagePreview = true
	cfg.ReplyMarkup = replyMarkup(msg.Keyboard, msg.RemoveKeyboard)

	return a.send(ctx, "send message", cfg)
}

// SendPhoto uploads an image with a caption.
func (a *Adapter) SendPhoto(ctx context.Context, msg telegraph.MediaMessage) telegraph.SendResult {
	chatID, err := a.chatID(msg.ChannelID)
	if err != nil {
		return telegraph.Failed(err)
	}
	cfg := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: msg.FileName, Bytes: msg.Data})
	cfg.Caption = msg.Caption
	if msg.HTML {
		cfg.ParseMode = tgbotapi.ModeHTML
	}
	return a.send(ctx, "send photo", cfg)
}

// SendDocument uploads a file with a caption.
func (a *Adapter) SendDocument(ctx context.Context, msg telegraph.MediaMessage) telegraph.SendResult {
	chatID, err := a.chatID(msg.ChannelID)
	if err != nil {
		return telegraph.Failed(err)
	}
	cfg := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: msg.FileName, Bytes: msg.Data})
	cfg.Caption = msg.Caption
	if msg.HTML {
		cfg.ParseMode = tgbotapi.ModeHTML
	}
	return a.send(ctx, "send document", cfg)
}

// Download resolves the file's direct URL and fetches its bytes.
func (a *Adapter) Download(ctx context.Context, ref telegraph.FileRef) ([]byte, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}

	fileURL := ref.URL
	if fileURL == "" {
		var err error
		fileURL, err = call(ctx, func() (string, error) { return a.bot.GetFileDirectURL(ref.ID) })
		if err != nil {
			return nil, fmt.Errorf("telegram: get file %s: %w", ref.ID, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: download %s: %w", ref.ID, err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		// The URL embeds the bot token; report only the file ID.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("telegram: download %s: %w", ref.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram: download %s: unexpected status %s", ref.ID, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("telegram: download %s: %w", ref.ID, err)
	}
	return data, nil
}

// RegisterCommands publishes the bot's command menu (implements
// telegraph.CommandRegistrar).
func (a *Adapter) RegisterCommands(ctx context.Context, cmds []telegraph.BotCommand) error {
	if err := a.ready(); err != nil {
		return err
	}
	var tgCmds []tgbotapi.BotCommand
	for _, c := range cmds {
		tgCmds = append(tgCmds, tgbotapi.BotCommand{Command: c.Command, Description: c.Description})
	}
	_, err := call(ctx, func() (*tgbotapi.APIResponse, error) {
		return a.bot.Request(tgbotapi.NewSetMyCommands(tgCmds...))
	})
	if err != nil {
		return fmt.Errorf("telegram: set commands: %w", err)
	}
	return nil
}

// Close stops polling and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	if a.listening {
		a.bot.StopReceivingUpdates()
	}
	done := a.pumpDone
	a.mu.Unlock()

	// The pump is the only writer to inbound.
	if done != nil {
		<-done
	}
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Telegram user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("telegram: not connected")
	}
	return nil
}

func (a *Adapter) chatID(channelID string) (int64, error) {
	if err := a.ready(); err != nil {
		return 0, err
	}
	if channelID == "" {
		return 0, fmt.Errorf("telegram: no chat specified")
	}
	id, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat id %q", channelID)
	}
	return id, nil
}

// send performs c, retrying on flood control, and classifies the outcome.
func (a *Adapter) send(ctx context.Context, what string, c tgbotapi.Chattable) telegraph.SendResult {
	for attempt := 0; ; attempt++ {
		_, err := call(ctx, func() (tgbotapi.Message, error) { return a.bot.Send(c) })
		if err == nil {
			return telegraph.Delivered()
		}

		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			if apiErr.MigrateToChatID != 0 {
				return telegraph.Relocated(strconv.FormatInt(apiErr.MigrateToChatID, 10))
			}
			if apiErr.RetryAfter > 0 && attempt < maxRetries {
				wait := time.Duration(apiErr.RetryAfter) * a.retryUnit
				log.Printf("telegram: %s: flood control (attempt %d/%d), retrying in %v",
					what, attempt+1, maxRetries, wait)
				select {
				case <-ctx.Done():
					return telegraph.Failed(fmt.Errorf("telegram: %s: %w", what, ctx.Err()))
				case <-time.After(wait):
				}
				continue
			}
		}
		return telegraph.Failed(fmt.Errorf("telegram: %s: %w", what, err))
	}
}

// pumpUpdates converts polled updates into InboundMessages until ctx ends
// or the update channel closes.
func (a *Adapter) pumpUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	defer close(a.pumpDone)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			msg, ok := toInbound(update)
			if !ok {
				continue
			}
			select {
			case a.inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// toInbound converts a Telegram update. Only user-sent messages are kept.
func toInbound(update tgbotapi.Update) (telegraph.InboundMessage, bool) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return telegraph.InboundMessage{}, false
	}

	msg := telegraph.InboundMessage{
		Platform:  "telegram",
		ChannelID: strconv.FormatInt(m.Chat.ID, 10),
		UserID:    strconv.FormatInt(m.From.ID, 10),
		UserName:  m.From.UserName,
		FirstName: m.From.FirstName,
		LastName:  m.From.LastName,
		Text:      m.Text,
		Timestamp: m.Time(),
	}

	switch {
	case len(m.Photo) > 0:
		// Sizes are ordered smallest first.
		best := m.Photo[len(m.Photo)-1]
		msg.Photo = &telegraph.FileRef{ID: best.FileID, MimeType: "image/jpeg"}
		msg.Text = m.Caption
	case m.Document != nil && strings.HasPrefix(m.Document.MimeType, "image/"):
		msg.Photo = &telegraph.FileRef{
			ID:       m.Document.FileID,
			Name:     m.Document.FileName,
			MimeType: m.Document.MimeType,
		}
		msg.Text = m.Caption
	}
	return msg, true
}

// replyMarkup builds the reply keyboard, a keyboard removal, or nil.
func replyMarkup(keyboard [][]string, remove bool) interface{} {
	if len(keyboard) > 0 {
		var rows [][]tgbotapi.KeyboardButton
		for _, row := range keyboard {
			var buttons []tgbotapi.KeyboardButton
			for _, label := range row {
				buttons = append(buttons, tgbotapi.NewKeyboardButton(label))
			}
			if len(buttons) > 0 {
				rows = append(rows, tgbotapi.NewKeyboardButtonRow(buttons...))
			}
		}
		markup := tgbotapi.NewReplyKeyboard(rows...)
		markup.OneTimeKeyboard = true
		return markup
	}
	if remove {
		return tgbotapi.NewRemoveKeyboard(false)
	}
	return nil
}

// call runs fn and returns early with ctx's error if ctx ends first. The
// Bot API client takes no context, so fn keeps running in the background
// until its HTTP request completes.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
