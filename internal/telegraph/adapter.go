// Package telegraph runs support-intake conversations over chat platforms
// (Telegram, Slack, Discord) and relays finished tickets to a support channel.
package telegraph

import (
	"context"
	"fmt"
	"time"
)

// Adapter is the interface that platform-specific implementations must satisfy.
// Each adapter handles connection management, message sending/receiving, and
// media download for a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the adapter is closed. Listen must only be
	// called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers a text message.
	Send(ctx context.Context, msg OutboundMessage) SendResult

	// SendPhoto delivers an image with an optional caption.
	SendPhoto(ctx context.Context, msg MediaMessage) SendResult

	// SendDocument delivers a file with an optional caption.
	SendDocument(ctx context.Context, msg MediaMessage) SendResult

	// Download fetches the bytes of a file referenced by an inbound message.
	Download(ctx context.Context, ref FileRef) ([]byte, error)

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// InboundMessage represents a message received from the chat platform.
type InboundMessage struct {
	Platform  string    // e.g. "telegram", "slack", "discord"
	ChannelID string    // chat the message arrived in; replies go here
	UserID    string    // platform-specific user identifier
	UserName  string    // handle without the leading @, may be empty
	FirstName string    // may be empty
	LastName  string    // may be empty
	Text      string    // raw message text (or media caption)
	Photo     *FileRef  // set when the message carries an image
	Timestamp time.Time // when the message was sent
}

// Identity is the key used for sessions and profiles: the platform plus the
// user id, so ids from different platforms never collide.
func (m InboundMessage) Identity() string {
	return m.Platform + ":" + m.UserID
}

// FileRef points at a platform-hosted file.
type FileRef struct {
	ID       string // platform file id (Telegram file_id, Discord attachment id)
	URL      string // direct or private download URL when the platform provides one
	Name     string // original file name, may be empty
	MimeType string
}

// OutboundMessage represents a text message to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID string
	Text      string
	HTML      bool // Text uses the HTML subset understood by the platform

	// Keyboard offers quick replies, one slice per row. Adapters without
	// reply keyboards render the options as text.
	Keyboard [][]string
	// RemoveKeyboard hides any reply keyboard previously shown.
	RemoveKeyboard bool
}

// MediaMessage is a photo or document upload.
type MediaMessage struct {
	ChannelID string
	FileName  string
	Data      []byte
	Caption   string
	HTML      bool
}

// SendKind tags the outcome of a send.
type SendKind int

const (
	// SendDelivered means the platform accepted the message.
	SendDelivered SendKind = iota
	// SendRelocated means the destination moved; NewChannelID holds the
	// replacement. The message was not delivered.
	SendRelocated
	// SendFailed covers every other failure, including timeouts.
	SendFailed
)

func (k SendKind) String() string {
	switch k {
	case SendDelivered:
		return "delivered"
	case SendRelocated:
		return "relocated"
	case SendFailed:
		return "failed"
	}
	return fmt.Sprintf("SendKind(%d)", int(k))
}

// SendResult is the outcome of a send operation.
type SendResult struct {
	Kind         SendKind
	NewChannelID string // set for SendRelocated
	Err          error  // set for SendFailed
}

// Delivered returns a successful SendResult.
func Delivered() SendResult { return SendResult{Kind: SendDelivered} }

// Relocated returns a SendResult reporting that the channel moved to newID.
func Relocated(newID string) SendResult {
	return SendResult{Kind: SendRelocated, NewChannelID: newID}
}

// Failed returns a SendResult wrapping err.
func Failed(err error) SendResult { return SendResult{Kind: SendFailed, Err: err} }

// OK reports whether the message was delivered.
func (r SendResult) OK() bool { return r.Kind == SendDelivered }

func (r SendResult) String() string {
	switch r.Kind {
	case SendRelocated:
		return "relocated to " + r.NewChannelID
	case SendFailed:
		return fmt.Sprintf("failed: %v", r.Err)
	}
	return r.Kind.String()
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}

// BotCommand is a command advertised in the platform's command menu.
type BotCommand struct {
	Command     string // without the leading slash
	Description string
}

// CommandRegistrar is an optional interface for platforms with a native
// command menu.
type CommandRegistrar interface {
	RegisterCommands(ctx context.Context, cmds []BotCommand) error
}
