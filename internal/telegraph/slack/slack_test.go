package slack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/helpdesk/internal/telegraph"
)

// --- Mock Slack client ---

type mockSlackClient struct {
	mu       sync.Mutex
	authResp *slackapi.AuthTestResponse
	authErr  error
	posted   []postedMessage
	postErrs []error // consumed in order
	uploads  []slackapi.UploadFileV2Parameters
	uploaded [][]byte
	upErr    error
	files    map[string]string
	users    map[string]*slackapi.User
}

type postedMessage struct {
	channelID string
	options   []slackapi.MsgOption
}

func newMockSlackClient() *mockSlackClient {
	return &mockSlackClient{
		authResp: &slackapi.AuthTestResponse{UserID: "U_BOT_123"},
		files:    make(map[string]string),
		users:    make(map[string]*slackapi.User),
	}
}

func (m *mockSlackClient) AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error) {
	return m.authResp, m.authErr
}

func (m *mockSlackClient) PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.postErrs) > 0 {
		err := m.postErrs[0]
		m.postErrs = m.postErrs[1:]
		if err != nil {
			return "", "", err
		}
	}
	m.posted = append(m.posted, postedMessage{channelID: channelID, options: options})
	return channelID, "1234567890.123456", nil
}

func (m *mockSlackClient) GetUserInfoContext(ctx context.Context, userID string) (*slackapi.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user not found: %s", userID)
}

func (m *mockSlackClient) UploadFileV2Context(ctx context.Context, params slackapi.UploadFileV2Parameters) (*slackapi.FileSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upErr != nil {
		return nil, m.upErr
	}
	data, err := io.ReadAll(params.Reader)
	if err != nil {
		return nil, err
	}
	m.uploads = append(m.uploads, params)
	m.uploaded = append(m.uploaded, data)
	return &slackapi.FileSummary{ID: "F1", Title: params.Title}, nil
}

func (m *mockSlackClient) GetFileContext(ctx context.Context, downloadURL string, writer io.Writer) error {
	m.mu.Lock()
	data, ok := m.files[downloadURL]
	m.mu.Unlock()
	if !ok {
		return errors.New("file_not_found")
	}
	_, err := io.WriteString(writer, data)
	return err
}

func (m *mockSlackClient) postedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posted)
}

func (m *mockSlackClient) lastPosted() postedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posted[len(m.posted)-1]
}

// --- Mock Socket Mode client ---

type mockSocketClient struct {
	events chan socketmode.Event
	mu     sync.Mutex
	acked  []socketmode.Request
	runErr []error // returned by successive Run calls; nil blocks until done
	runs   int
	done   chan struct{}
}

func newMockSocketClient() *mockSocketClient {
	return &mockSocketClient{
		events: make(chan socketmode.Event, 100),
		done:   make(chan struct{}),
	}
}

func (m *mockSocketClient) Run() error {
	m.mu.Lock()
	m.runs++
	var err error
	if len(m.runErr) > 0 {
		err = m.runErr[0]
		m.runErr = m.runErr[1:]
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	<-m.done
	return nil
}

func (m *mockSocketClient) EventsChan() chan socketmode.Event {
	return m.events
}

func (m *mockSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, req)
}

func (m *mockSocketClient) ackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked)
}

func (m *mockSocketClient) runCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs
}

// --- Helpers ---

func newTestAdapter(t *testing.T) (*Adapter, *mockSlackClient, *mockSocketClient) {
	t.Helper()
	client := newMockSlackClient()
	socket := newMockSocketClient()

	a, err := New(AdapterOpts{Client: client, Socket: socket})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		select {
		case <-socket.done:
		default:
			close(socket.done)
		}
	})
	return a, client, socket
}

func listen(t *testing.T, a *Adapter) <-chan telegraph.InboundMessage {
	t.Helper()
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return ch
}

func recv(t *testing.T, ch <-chan telegraph.InboundMessage) telegraph.InboundMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
		return telegraph.InboundMessage{}
	}
}

func expectNone(t *testing.T, ch <-chan telegraph.InboundMessage) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected inbound message: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func messageEvent(ev *slackevents.MessageEvent) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Type: "message", Data: ev},
		},
		Request: &socketmode.Request{EnvelopeID: "env-1"},
	}
}

func postedValues(t *testing.T, p postedMessage) map[string][]string {
	t.Helper()
	_, values, err := slackapi.UnsafeApplyMsgOptions("token", p.channelID, "https://slack.test/api/", p.options...)
	if err != nil {
		t.Fatalf("apply options: %v", err)
	}
	return values
}

// --- Constructor / lifecycle ---

func TestNew_RequiresTokens(t *testing.T) {
	if _, err := New(AdapterOpts{AppToken: "xapp"}); err == nil || !strings.Contains(err.Error(), "bot token") {
		t.Errorf("err = %v, want bot token error", err)
	}
	if _, err := New(AdapterOpts{BotToken: "xoxb"}); err == nil || !strings.Contains(err.Error(), "app token") {
		t.Errorf("err = %v, want app token error", err)
	}
	if _, err := New(AdapterOpts{AppToken: "xapp", BotToken: "xoxb"}); err != nil {
		t.Errorf("New with tokens: %v", err)
	}
}

func TestConnect_SetsBotUserID(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if a.BotUserID() != "U_BOT_123" {
		t.Errorf("BotUserID = %q", a.BotUserID())
	}
}

func TestConnect_AuthError(t *testing.T) {
	client := newMockSlackClient()
	client.authErr = errors.New("invalid_auth")
	a, _ := New(AdapterOpts{Client: client, Socket: newMockSocketClient()})
	if err := a.Connect(context.Background()); err == nil || !strings.Contains(err.Error(), "invalid_auth") {
		t.Errorf("Connect err = %v", err)
	}
}

func TestConnect_AfterClose(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	a.Close()
	if err := a.Connect(context.Background()); err == nil {
		t.Error("expected error connecting a closed adapter")
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Error("expected error listening before Connect")
	}
}

// --- Inbound ---

func TestListen_ReceivesMessages(t *testing.T) {
	a, client, socket := newTestAdapter(t)
	client.users["U1"] = &slackapi.User{Name: "alice", Profile: slackapi.UserProfile{DisplayName: "Alice D", FirstName: "Alice"}}
	ch := listen(t, a)

	socket.events <- messageEvent(&slackevents.MessageEvent{
		User: "U1", Channel: "D1", Text: "/start", TimeStamp: "1700000000.000100",
	})

	msg := recv(t, ch)
	if msg.Platform != "slack" || msg.ChannelID != "D1" || msg.UserID != "U1" || msg.Text != "/start" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.UserName != "Alice D" || msg.FirstName != "Alice" {
		t.Errorf("names = %q %q", msg.UserName, msg.FirstName)
	}
	if msg.Timestamp.Unix() != 1700000000 {
		t.Errorf("timestamp = %v", msg.Timestamp)
	}
	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
}

func TestListen_FileShareBecomesPhoto(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ch := listen(t, a)

	socket.events <- messageEvent(&slackevents.MessageEvent{
		User: "U1", Channel: "D1", SubType: slackapi.MsgSubTypeFileShare,
		Message: &slackapi.Msg{Files: []slackapi.File{
			{ID: "F0", Mimetype: "application/pdf", URLPrivateDownload: "https://files/doc"},
			{ID: "F1", Name: "shot.png", Mimetype: "image/png", URLPrivateDownload: "https://files/shot"},
		}},
	})

	msg := recv(t, ch)
	if msg.Photo == nil {
		t.Fatal("expected photo reference")
	}
	if msg.Photo.ID != "F1" || msg.Photo.URL != "https://files/shot" || msg.Photo.Name != "shot.png" {
		t.Errorf("photo = %+v", msg.Photo)
	}
}

func TestListen_FiltersSelfBotAndSubtypes(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ch := listen(t, a)

	socket.events <- messageEvent(&slackevents.MessageEvent{User: "U_BOT_123", Channel: "D1", Text: "echo"})
	socket.events <- messageEvent(&slackevents.MessageEvent{User: "U2", BotID: "B1", Channel: "D1", Text: "bot"})
	socket.events <- messageEvent(&slackevents.MessageEvent{User: "U3", SubType: "message_changed", Channel: "D1"})
	expectNone(t, ch)
}

func TestListen_SlashCommand(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ch := listen(t, a)

	socket.events <- socketmode.Event{
		Type:    socketmode.EventTypeSlashCommand,
		Data:    slackapi.SlashCommand{Command: "/suggestions", ChannelID: "D1", UserID: "U1", UserName: "alice"},
		Request: &socketmode.Request{EnvelopeID: "env-2"},
	}

	msg := recv(t, ch)
	if msg.Text != "/suggestions" || msg.UserID != "U1" || msg.UserName != "alice" {
		t.Errorf("msg = %+v", msg)
	}
	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
}

func TestListen_ButtonClickBecomesText(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ch := listen(t, a)

	cb := slackapi.InteractionCallback{
		Type:    slackapi.InteractionTypeBlockActions,
		Channel: slackapi.Channel{GroupConversation: slackapi.GroupConversation{Conversation: slackapi.Conversation{ID: "D1"}}},
		User:    slackapi.User{ID: "U1", Name: "alice"},
		ActionCallback: slackapi.ActionCallbacks{BlockActions: []*slackapi.BlockAction{
			{ActionID: "other_action", Value: "ignored"},
			{ActionID: choiceActionPrefix + "0", Value: "Budget"},
		}},
	}
	socket.events <- socketmode.Event{Type: socketmode.EventTypeInteractive, Data: cb, Request: &socketmode.Request{}}

	msg := recv(t, ch)
	if msg.Text != "Budget" || msg.ChannelID != "D1" || msg.UserID != "U1" {
		t.Errorf("msg = %+v", msg)
	}
	expectNone(t, ch)
}

// --- Outbound ---

func TestSend_Text(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	res := a.Send(context.Background(), telegraph.OutboundMessage{ChannelID: "C1", Text: "a < b"})
	if !res.OK() {
		t.Fatalf("Send = %v", res)
	}
	p := client.lastPosted()
	if p.channelID != "C1" {
		t.Errorf("channel = %q", p.channelID)
	}
	values := postedValues(t, p)
	if got := values["text"][0]; got != "a &lt; b" {
		t.Errorf("text = %q, want escaped", got)
	}
	if _, ok := values["blocks"]; ok {
		t.Error("plain text should not carry blocks")
	}
}

func TestSend_HTMLAndKeyboard(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	res := a.Send(context.Background(), telegraph.OutboundMessage{
		ChannelID: "C1",
		Text:      "<b>Pick</b> a page &amp; go",
		HTML:      true,
		Keyboard:  [][]string{{"Budget", "Feed"}, {"Cancel"}},
	})
	if !res.OK() {
		t.Fatalf("Send = %v", res)
	}
	values := postedValues(t, client.lastPosted())
	if got := values["text"][0]; got != "*Pick* a page &amp; go" {
		t.Errorf("text = %q", got)
	}
	blocks := values["blocks"][0]
	for _, want := range []string{`"Budget"`, `"Feed"`, `"Cancel"`, choiceActionPrefix + "2"} {
		if !strings.Contains(blocks, want) {
			t.Errorf("blocks missing %s: %s", want, blocks)
		}
	}
}

func TestSend_Errors(t *testing.T) {
	a, client, _ := newTestAdapter(t)

	if res := a.Send(context.Background(), telegraph.OutboundMessage{Text: "x"}); res.Kind != telegraph.SendFailed {
		t.Errorf("no channel: %v", res)
	}

	client.postErrs = []error{errors.New("channel_not_found")}
	res := a.Send(context.Background(), telegraph.OutboundMessage{ChannelID: "C1", Text: "x"})
	if res.Kind != telegraph.SendFailed || !strings.Contains(res.Err.Error(), "channel_not_found") {
		t.Errorf("post error: %v", res)
	}

	a.Close()
	if res := a.Send(context.Background(), telegraph.OutboundMessage{ChannelID: "C1", Text: "x"}); res.Kind != telegraph.SendFailed {
		t.Errorf("closed: %v", res)
	}
}

func TestSend_RetriesOnRateLimit(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.postErrs = []error{&slackapi.RateLimitedError{RetryAfter: 10 * time.Millisecond}}

	res := a.Send(context.Background(), telegraph.OutboundMessage{ChannelID: "C1", Text: "x"})
	if !res.OK() {
		t.Fatalf("Send = %v", res)
	}
	if client.postedCount() != 1 {
		t.Errorf("posted = %d, want 1", client.postedCount())
	}
}

func TestSendDocument_Uploads(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	res := a.SendDocument(context.Background(), telegraph.MediaMessage{
		ChannelID: "C1",
		FileName:  "suggestion_ab12.xlsx",
		Data:      []byte("xlsx"),
		Caption:   "<b>Suggestion:</b> it&#39;s great",
		HTML:      true,
	})
	if !res.OK() {
		t.Fatalf("SendDocument = %v", res)
	}
	up := client.uploads[0]
	if up.Channel != "C1" || up.Filename != "suggestion_ab12.xlsx" || up.FileSize != 4 {
		t.Errorf("upload = %+v", up)
	}
	if up.InitialComment != "*Suggestion:* it's great" {
		t.Errorf("comment = %q", up.InitialComment)
	}
	if string(client.uploaded[0]) != "xlsx" {
		t.Errorf("data = %q", client.uploaded[0])
	}
}

func TestSendPhoto_UploadError(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.upErr = errors.New("not_in_channel")
	res := a.SendPhoto(context.Background(), telegraph.MediaMessage{ChannelID: "C1", FileName: "x.jpg", Data: []byte("x")})
	if res.Kind != telegraph.SendFailed {
		t.Errorf("res = %v, want failed", res)
	}
}

func TestDownload(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.files["https://files/shot"] = "png-bytes"

	data, err := a.Download(context.Background(), telegraph.FileRef{ID: "F1", URL: "https://files/shot"})
	if err != nil || string(data) != "png-bytes" {
		t.Errorf("Download = %q, %v", data, err)
	}
	if _, err := a.Download(context.Background(), telegraph.FileRef{ID: "F2"}); err == nil {
		t.Error("expected error without url")
	}
	if _, err := a.Download(context.Background(), telegraph.FileRef{ID: "F3", URL: "https://files/missing"}); err == nil {
		t.Error("expected error for missing file")
	}
}

// --- Helpers under test ---

func TestBuildBlocks(t *testing.T) {
	if blocks := buildBlocks("hi", nil); blocks != nil {
		t.Errorf("no keyboard: blocks = %v", blocks)
	}
	blocks := buildBlocks("hi", [][]string{{"A", "B"}, {}, {"Cancel"}})
	// Section plus two non-empty rows.
	if len(blocks) != 3 {
		t.Fatalf("blocks = %d, want 3", len(blocks))
	}
	row, ok := blocks[2].(*slackapi.ActionBlock)
	if !ok {
		t.Fatalf("block[2] = %T", blocks[2])
	}
	btn := row.Elements.ElementSet[0].(*slackapi.ButtonBlockElement)
	if btn.Value != "Cancel" || btn.ActionID != choiceActionPrefix+"2" {
		t.Errorf("button = %+v", btn)
	}
}

func TestHTMLToMrkdwn(t *testing.T) {
	tests := []struct{ in, want string }{
		{"<b>Page:</b> Budget", "*Page:* Budget"},
		{"a &lt;b&gt; &amp; c", "a &lt;b&gt; &amp; c"},
		{"say &#34;hi&#34; it&#39;s", `say "hi" it's`},
	}
	for _, tt := range tests {
		if got := htmlToMrkdwn(tt.in); got != tt.want {
			t.Errorf("htmlToMrkdwn(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRetryOnRateLimit(t *testing.T) {
	t.Run("non rate limit error", func(t *testing.T) {
		calls := 0
		err := retryOnRateLimit(context.Background(), func() error {
			calls++
			return errors.New("boom")
		})
		if err == nil || calls != 1 {
			t.Errorf("err = %v, calls = %d", err, calls)
		}
	})
	t.Run("exhausts retries", func(t *testing.T) {
		calls := 0
		err := retryOnRateLimit(context.Background(), func() error {
			calls++
			return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
		})
		if err == nil || calls != maxRetries+1 {
			t.Errorf("err = %v, calls = %d", err, calls)
		}
	})
	t.Run("respects context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := retryOnRateLimit(ctx, func() error {
			return &slackapi.RateLimitedError{RetryAfter: time.Hour}
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}

func TestRunWithReconnect_RetriesOnError(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	a.baseBackoff = time.Millisecond
	a.maxBackoff = time.Millisecond
	socket.runErr = []error{errors.New("dial"), errors.New("dial")}
	close(socket.done)

	done := make(chan struct{})
	go func() {
		a.runWithReconnect(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runWithReconnect did not return")
	}
	if socket.runCount() != 3 {
		t.Errorf("runs = %d, want 3", socket.runCount())
	}
}

func TestParseSlackTimestamp(t *testing.T) {
	if got := parseSlackTimestamp("1700000000.123456"); got.Unix() != 1700000000 {
		t.Errorf("got %v", got)
	}
	if got := parseSlackTimestamp("garbage"); !got.IsZero() {
		t.Errorf("garbage = %v, want zero", got)
	}
}
