// Package slack implements the telegraph Adapter for Slack using Socket Mode.
package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/helpdesk/internal/telegraph"
)

const (
	maxRetries           = 3 // per rate-limited call
	baseBackoff          = 2 * time.Second
	maxBackoff           = 2 * time.Minute
	maxReconnectAttempts = 10

	// choiceActionPrefix marks buttons rendered from a reply keyboard.
	choiceActionPrefix = "hd_choice_"
)

// slackClient is the subset of *slack.Client the adapter calls.
type slackClient interface {
	AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfoContext(ctx context.Context, userID string) (*slackapi.User, error)
	UploadFileV2Context(ctx context.Context, params slackapi.UploadFileV2Parameters) (*slackapi.FileSummary, error)
	GetFileContext(ctx context.Context, downloadURL string, writer io.Writer) error
}

// socketClient is the subset of *socketmode.Client the adapter calls.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter is a telegraph.Adapter backed by a Slack app in Socket Mode.
// Conversations happen in DMs or channels the app is a member of.
type Adapter struct {
	client    slackClient
	socket    socketClient
	botUserID string
	appToken  string
	botToken  string

	mu         sync.Mutex
	connected  bool
	closed     bool
	inbound    chan telegraph.InboundMessage
	cancelFunc context.CancelFunc
	pumpDone   chan struct{}

	// Reconnect tuning; tests shrink these.
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int
}

// AdapterOpts configures a Slack Adapter. Client and Socket replace the real
// API clients in tests.
type AdapterOpts struct {
	AppToken string // xapp-... token, needed for Socket Mode
	BotToken string // xoxb-... token
	Client   slackClient
	Socket   socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}

	return &Adapter{
		client:       opts.Client,
		socket:       opts.Socket,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		inbound:      make(chan telegraph.InboundMessage, 100),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}, nil
}

// Connect authenticates and prepares the Socket Mode client.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	// auth.test validates the token and tells us our own user id.
	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID

	a.connected = true
	return nil
}

// Listen starts the Socket Mode connection and the event pump.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("slack: not connected")
	}
	if a.pumpDone != nil {
		return a.inbound, nil
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	a.pumpDone = make(chan struct{})

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)

	return a.inbound, nil
}

// Send posts a text message. A keyboard is rendered as rows of buttons
// whose clicks come back as plain text messages.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) telegraph.SendResult {
	if err := a.ready(msg.ChannelID); err != nil {
		return telegraph.Failed(err)
	}

	options := buildMessageOptions(msg)
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := a.client.PostMessageContext(ctx, msg.ChannelID, options...)
		return postErr
	})
	if err != nil {
		return telegraph.Failed(fmt.Errorf("slack: post message: %w", err))
	}
	return telegraph.Delivered()
}

// SendPhoto uploads an image with the caption as its initial comment.
func (a *Adapter) SendPhoto(ctx context.Context, msg telegraph.MediaMessage) telegraph.SendResult {
	return a.upload(ctx, msg)
}

// SendDocument uploads a file with the caption as its initial comment.
func (a *Adapter) SendDocument(ctx context.Context, msg telegraph.MediaMessage) telegraph.SendResult {
	return a.upload(ctx, msg)
}

func (a *Adapter) upload(ctx context.Context, msg telegraph.MediaMessage) telegraph.SendResult {
	if err := a.ready(msg.ChannelID); err != nil {
		return telegraph.Failed(err)
	}

	caption := msg.Caption
	if msg.HTML {
		caption = htmlToMrkdwn(caption)
	}
	err := retryOnRateLimit(ctx, func() error {
		_, upErr := a.client.UploadFileV2Context(ctx, slackapi.UploadFileV2Parameters{
			Reader:         bytes.NewReader(msg.Data),
			FileSize:       len(msg.Data),
			Filename:       msg.FileName,
			Title:          msg.FileName,
			InitialComment: caption,
			Channel:        msg.ChannelID,
		})
		return upErr
	})
	if err != nil {
		return telegraph.Failed(fmt.Errorf("slack: upload %s: %w", msg.FileName, err))
	}
	return telegraph.Delivered()
}

// Download fetches a shared file through its private download URL.
func (a *Adapter) Download(ctx context.Context, ref telegraph.FileRef) ([]byte, error) {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return nil, fmt.Errorf("slack: not connected")
	}
	if ref.URL == "" {
		return nil, fmt.Errorf("slack: download %s: no download url", ref.ID)
	}
	var buf bytes.Buffer
	if err := a.client.GetFileContext(ctx, ref.URL, &buf); err != nil {
		return nil, fmt.Errorf("slack: download %s: %w", ref.ID, err)
	}
	return buf.Bytes(), nil
}

// Close stops the event pump and then closes the inbound channel.
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
	done := a.pumpDone
	a.mu.Unlock()

	// The pump is the only writer to inbound.
	if done != nil {
		<-done
	}
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) ready(channelID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("slack: not connected")
	}
	if channelID == "" {
		return fmt.Errorf("slack: no channel specified")
	}
	return nil
}

// runWithReconnect keeps the Socket Mode client running, restarting it with
// capped exponential backoff. A nil error from Run means a clean stop.
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil || ctx.Err() != nil {
			return
		}

		wait := backoff(a.baseBackoff, a.maxBackoff, attempt)
		log.Printf("slack: socket mode dropped (%d/%d): %v; retrying in %v",
			attempt+1, a.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: giving up on socket mode after %d attempts", a.maxReconnect)
}

// backoff returns base*2^attempt, capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	wait := time.Duration(math.Pow(2, float64(attempt))) * base
	if max > 0 && wait > max {
		return max
	}
	return wait
}

func (a *Adapter) pumpEvents(ctx context.Context) {
	defer close(a.pumpDone)
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(ctx, evt)
		}
	}
}

// handleSocketEvent acks and converts one Socket Mode envelope.
func (a *Adapter) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		a.ack(evt)
		a.handleEventsAPI(ctx, eventsAPIEvent)

	case socketmode.EventTypeSlashCommand:
		cmd, ok := evt.Data.(slackapi.SlashCommand)
		if !ok {
			return
		}
		a.ack(evt)
		a.handleSlashCommand(ctx, cmd)

	case socketmode.EventTypeInteractive:
		cb, ok := evt.Data.(slackapi.InteractionCallback)
		if !ok {
			return
		}
		a.ack(evt)
		a.handleInteraction(ctx, cb)

	case socketmode.EventTypeConnected:
		log.Printf("slack: socket mode up")

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: socket mode error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slack: disconnect requested by server")
	}
}

func (a *Adapter) ack(evt socketmode.Event) {
	if evt.Request != nil {
		a.socket.Ack(*evt.Request)
	}
}

func (a *Adapter) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	if ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		a.handleMessage(ctx, ev)
	}
}

// handleMessage converts a Slack message event to an InboundMessage. Only
// plain messages and file shares are accepted.
func (a *Adapter) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.User == a.BotUserID() || ev.BotID != "" {
		return
	}
	// Edits, deletes, joins and the like carry a subtype.
	if ev.SubType != "" && ev.SubType != slackapi.MsgSubTypeFileShare {
		return
	}

	msg := telegraph.InboundMessage{
		Platform:  "slack",
		ChannelID: ev.Channel,
		UserID:    ev.User,
		Text:      ev.Text,
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
	}
	msg.UserName, msg.FirstName = a.resolveUser(ctx, ev.User)
	if ev.Message != nil {
		msg.Photo = firstImage(ev.Message.Files)
	}
	a.emit(ctx, msg)
}

// emit hands msg to the inbound channel unless the pump is stopping.
func (a *Adapter) emit(ctx context.Context, msg telegraph.InboundMessage) {
	select {
	case a.inbound <- msg:
	case <-ctx.Done():
	}
}

// handleSlashCommand turns "/start" and friends into command text.
func (a *Adapter) handleSlashCommand(ctx context.Context, cmd slackapi.SlashCommand) {
	text := cmd.Command
	if args := strings.TrimSpace(cmd.Text); args != "" {
		text += " " + args
	}
	a.emit(ctx, telegraph.InboundMessage{
		Platform:  "slack",
		ChannelID: cmd.ChannelID,
		UserID:    cmd.UserID,
		UserName:  cmd.UserName,
		Text:      text,
		Timestamp: time.Now(),
	})
}

// handleInteraction turns a keyboard button click into the button's text.
func (a *Adapter) handleInteraction(ctx context.Context, cb slackapi.InteractionCallback) {
	if cb.Type != slackapi.InteractionTypeBlockActions {
		return
	}
	for _, action := range cb.ActionCallback.BlockActions {
		if !strings.HasPrefix(action.ActionID, choiceActionPrefix) {
			continue
		}
		a.emit(ctx, telegraph.InboundMessage{
			Platform:  "slack",
			ChannelID: cb.Channel.ID,
			UserID:    cb.User.ID,
			UserName:  cb.User.Name,
			Text:      action.Value,
			Timestamp: time.Now(),
		})
	}
}

// resolveUser looks up a user's display and real names. Falls back to the
// user ID.
func (a *Adapter) resolveUser(ctx context.Context, userID string) (handle, first string) {
	if userID == "" {
		return "", ""
	}
	user, err := a.client.GetUserInfoContext(ctx, userID)
	if err != nil {
		return userID, ""
	}
	handle = user.Profile.DisplayName
	if handle == "" {
		handle = user.Name
	}
	return handle, user.Profile.FirstName
}

// firstImage returns the first shared image file, if any.
func firstImage(files []slackapi.File) *telegraph.FileRef {
	for _, f := range files {
		if strings.HasPrefix(f.Mimetype, "image/") {
			return &telegraph.FileRef{
				ID:       f.ID,
				URL:      f.URLPrivateDownload,
				Name:     f.Name,
				MimeType: f.Mimetype,
			}
		}
	}
	return nil
}

func buildMessageOptions(msg telegraph.OutboundMessage) []slackapi.MsgOption {
	text := msg.Text
	if msg.HTML {
		text = htmlToMrkdwn(text)
	}
	options := []slackapi.MsgOption{slackapi.MsgOptionText(text, !msg.HTML)}
	if blocks := buildBlocks(text, msg.Keyboard); len(blocks) > 0 {
		options = append(options, slackapi.MsgOptionBlocks(blocks...))
	}
	return options
}

// buildBlocks renders text plus one actions block per keyboard row. Returns
// nil when there is no keyboard.
func buildBlocks(text string, keyboard [][]string) []slackapi.Block {
	if len(keyboard) == 0 {
		return nil
	}
	blocks := []slackapi.Block{
		slackapi.NewSectionBlock(slackapi.NewTextBlockObject(slackapi.MarkdownType, text, false, false), nil, nil),
	}
	n := 0
	for _, row := range keyboard {
		var buttons []slackapi.BlockElement
		for _, label := range row {
			id := choiceActionPrefix + strconv.Itoa(n)
			n++
			buttons = append(buttons, slackapi.NewButtonBlockElement(id, label,
				slackapi.NewTextBlockObject(slackapi.PlainTextType, label, false, false)))
		}
		if len(buttons) > 0 {
			blocks = append(blocks, slackapi.NewActionBlock("", buttons...))
		}
	}
	return blocks
}

// mrkdwnReplacer maps the HTML produced by telegraph formatters onto Slack
// mrkdwn. Slack already uses &amp; &lt; &gt; as its own escapes.
var mrkdwnReplacer = strings.NewReplacer(
	"<b>", "*", "</b>", "*",
	"&#39;", "'", "&#34;", `"`,
)

func htmlToMrkdwn(s string) string {
	return mrkdwnReplacer.Replace(s)
}

// retryOnRateLimit runs fn, sleeping for Slack's Retry-After (or a doubling
// default) between attempts while fn reports a rate limit.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	var rle *slackapi.RateLimitedError
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = backoff(time.Second, 0, attempt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// parseSlackTimestamp reads the seconds part of a "1712345678.000200" ts.
func parseSlackTimestamp(ts string) time.Time {
	sec, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
