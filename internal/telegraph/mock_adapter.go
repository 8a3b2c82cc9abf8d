package telegraph

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter is an in-memory Adapter and CommandRegistrar. Sends are
// recorded, send outcomes can be scripted, and inbound traffic is injected
// with SimulateInbound.
type MockAdapter struct {
	lock      sync.Mutex
	connected bool
	closed    bool
	inbound   chan InboundMessage
	sent      []OutboundMessage
	media     []SentMedia
	commands  []BotCommand
	results   []SendResult // scripted results, consumed in order
	files     map[string][]byte
	dlErr     error
	botUserID string
}

// SentMedia is a photo or document recorded by MockAdapter.
type SentMedia struct {
	Kind string // "photo" or "document"
	MediaMessage
}

// mockInboundBuffer bounds how many simulated messages may be queued.
const mockInboundBuffer = 100

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		files:   map[string][]byte{},
		inbound: make(chan InboundMessage, mockInboundBuffer),
	}
}

func (m *MockAdapter) BotUserID() string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.botUserID
}

func (m *MockAdapter) SetBotUserID(id string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.botUserID = id
}

var errMockOffline = fmt.Errorf("telegraph: mock: not connected")

func (m *MockAdapter) Connect(ctx context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return fmt.Errorf("telegraph: mock: connect after close")
	}
	m.connected = true
	return nil
}

func (m *MockAdapter) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.connected {
		return m.inbound, nil
	}
	return nil, errMockOffline
}

// Send records msg when the scripted outcome is a delivery.
func (m *MockAdapter) Send(ctx context.Context, msg OutboundMessage) SendResult {
	m.lock.Lock()
	defer m.lock.Unlock()
	if !m.connected {
		return Failed(errMockOffline)
	}
	res := m.nextResult()
	if res.OK() {
		m.sent = append(m.sent, msg)
	}
	return res
}

func (m *MockAdapter) SendPhoto(ctx context.Context, msg MediaMessage) SendResult {
	return m.sendMedia("photo", msg)
}

func (m *MockAdapter) SendDocument(ctx context.Context, msg MediaMessage) SendResult {
	return m.sendMedia("document", msg)
}

func (m *MockAdapter) sendMedia(kind string, msg MediaMessage) SendResult {
	m.lock.Lock()
	defer m.lock.Unlock()
	if !m.connected {
		return Failed(errMockOffline)
	}
	res := m.nextResult()
	if res.OK() {
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		msg.Data = data
		m.media = append(m.media, SentMedia{Kind: kind, MediaMessage: msg})
	}
	return res
}

// nextResult pops a scripted outcome, defaulting to Delivered. Caller holds lock.
func (m *MockAdapter) nextResult() SendResult {
	if len(m.results) == 0 {
		return Delivered()
	}
	res := m.results[0]
	m.results = m.results[1:]
	return res
}

// Download returns the bytes registered with SetFile.
func (m *MockAdapter) Download(ctx context.Context, ref FileRef) ([]byte, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.dlErr != nil {
		return nil, m.dlErr
	}
	data, ok := m.files[ref.ID]
	if !ok {
		return nil, fmt.Errorf("telegraph: mock: no file %q", ref.ID)
	}
	return data, nil
}

func (m *MockAdapter) RegisterCommands(ctx context.Context, cmds []BotCommand) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.commands = append([]BotCommand(nil), cmds...)
	return nil
}

// Close ends the inbound stream. Repeated calls are no-ops.
func (m *MockAdapter) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if !m.closed {
		m.closed, m.connected = true, false
		close(m.inbound)
	}
	return nil
}

// SimulateInbound queues msg as if a user had sent it, stamping it with the
// current time when Timestamp is unset. Must not be called after Close.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.inbound <- msg
}

// ScriptResults queues results returned by the next sends, in order. Once
// the queue is empty every send is delivered.
func (m *MockAdapter) ScriptResults(results ...SendResult) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.results = append(m.results, results...)
}

// SetFile registers downloadable bytes under a file id.
func (m *MockAdapter) SetFile(id string, data []byte) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.files[id] = data
}

// SetDownloadError makes every Download fail with err.
func (m *MockAdapter) SetDownloadError(err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.dlErr = err
}

// LastSent reports the latest delivered text message, if any.
func (m *MockAdapter) LastSent() (msg OutboundMessage, ok bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if n := len(m.sent); n > 0 {
		msg, ok = m.sent[n-1], true
	}
	return msg, ok
}

func (m *MockAdapter) SentCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.sent)
}

// AllSent returns a snapshot of the delivered text messages.
func (m *MockAdapter) AllSent() []OutboundMessage {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]OutboundMessage(nil), m.sent...)
}

// SentTo returns the text messages sent to channelID.
func (m *MockAdapter) SentTo(channelID string) []OutboundMessage {
	m.lock.Lock()
	defer m.lock.Unlock()
	var out []OutboundMessage
	for _, msg := range m.sent {
		if msg.ChannelID == channelID {
			out = append(out, msg)
		}
	}
	return out
}

// AllMedia returns a copy of all sent photos and documents.
func (m *MockAdapter) AllMedia() []SentMedia {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]SentMedia(nil), m.media...)
}

// Commands returns the registered command menu.
func (m *MockAdapter) Commands() []BotCommand {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]BotCommand(nil), m.commands...)
}
