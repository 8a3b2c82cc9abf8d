package telegraph

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/zulandar/helpdesk/internal/models"
	"github.com/zulandar/helpdesk/internal/report"
)

// ChannelCell holds the current support channel id. It is shared by every
// notify call and updated when the platform reports that the channel moved.
type ChannelCell struct {
	v atomic.Pointer[string]
}

// NewChannelCell creates a ChannelCell holding id.
func NewChannelCell(id string) *ChannelCell {
	c := &ChannelCell{}
	c.Store(id)
	return c
}

// Load returns the current channel id.
func (c *ChannelCell) Load() string {
	if p := c.v.Load(); p != nil {
		return *p
	}
	return ""
}

// Store replaces the channel id. The last write wins.
func (c *ChannelCell) Store(id string) {
	c.v.Store(&id)
}

// Notifier relays finished tickets to the support channel. Delivery is best
// effort: failures are logged and never reach the caller.
type Notifier struct {
	adapter         Adapter
	channel         *ChannelCell
	sendTimeout     time.Duration
	retryOnRelocate bool
	out             io.Writer
}

// NotifierOpts holds parameters for creating a Notifier.
type NotifierOpts struct {
	Adapter         Adapter
	Channel         *ChannelCell
	SendTimeout     time.Duration // zero means no timeout
	RetryOnRelocate bool          // resend once to the new channel after a relocation
	Out             io.Writer     // defaults to os.Stdout
}

// NewNotifier creates a Notifier.
func NewNotifier(opts NotifierOpts) (*Notifier, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: notifier: adapter is required")
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("telegraph: notifier: channel is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Notifier{
		adapter:         opts.Adapter,
		channel:         opts.Channel,
		sendTimeout:     opts.SendTimeout,
		retryOnRelocate: opts.RetryOnRelocate,
		out:             out,
	}, nil
}

// Channel returns the current support channel id.
func (n *Notifier) Channel() string { return n.channel.Load() }

// sendFunc performs one send to channel.
type sendFunc func(ctx context.Context, channel string) SendResult

// NotifyIssue posts the summary of an issue ticket, as a photo caption when
// the ticket has a screenshot.
func (n *Notifier) NotifyIssue(ctx context.Context, from Sender, t *models.Ticket) {
	what := "ticket #" + t.Token
	if send, ok := n.photoSend(t, func(limit int) string { return FormatIssue(t, from, limit) }); ok {
		n.deliver(ctx, what, send)
		return
	}
	n.deliver(ctx, what, n.textSend(FormatIssue(t, from, maxTextLen)))
}

// NotifySuggestion posts the summary of a suggestion ticket. The report
// artifact, when present, is sent as a document with the summary as its
// caption. The caller keeps ownership of art.
func (n *Notifier) NotifySuggestion(ctx context.Context, from Sender, t *models.Ticket, art *report.Artifact) {
	what := "suggestion #" + t.Token
	caption := func(limit int) string { return FormatSuggestion(t, from, limit) }
	if send, ok := n.photoSend(t, caption); ok {
		n.deliver(ctx, what, send)
		return
	}
	if art != nil {
		data, err := art.Bytes()
		if err == nil {
			msg := MediaMessage{FileName: art.Name, Data: data, Caption: caption(maxCaptionLen), HTML: true}
			n.deliver(ctx, what, func(ctx context.Context, channel string) SendResult {
				msg.ChannelID = channel
				return n.adapter.SendDocument(ctx, msg)
			})
			return
		}
		log.Printf("telegraph: notify: %s: %v; sending text only", what, err)
	}
	n.deliver(ctx, what, n.textSend(caption(maxTextLen)))
}

// NotifyText posts an HTML message to the support channel.
func (n *Notifier) NotifyText(ctx context.Context, what, text string) {
	n.deliver(ctx, what, n.textSend(text))
}

func (n *Notifier) textSend(text string) sendFunc {
	return func(ctx context.Context, channel string) SendResult {
		return n.adapter.Send(ctx, OutboundMessage{ChannelID: channel, Text: text, HTML: true})
	}
}

// photoSend builds a photo send from the ticket's first attachment. It
// reports false when there is no usable attachment.
func (n *Notifier) photoSend(t *models.Ticket, caption func(int) string) (sendFunc, bool) {
	if len(t.Attachments) == 0 {
		return nil, false
	}
	a := t.Attachments[0]
	data, err := base64.StdEncoding.DecodeString(a.FileData)
	if err != nil {
		log.Printf("telegraph: notify: ticket #%s: attachment %s: %v; sending text only", t.Token, a.FileName, err)
		return nil, false
	}
	msg := MediaMessage{FileName: a.FileName, Data: data, Caption: caption(maxCaptionLen), HTML: true}
	return func(ctx context.Context, channel string) SendResult {
		msg.ChannelID = channel
		return n.adapter.SendPhoto(ctx, msg)
	}, true
}

// deliver performs one send and handles its result. A relocation updates
// the channel cell; the original send is repeated only when configured.
func (n *Notifier) deliver(ctx context.Context, what string, send sendFunc) {
	channel := n.channel.Load()
	if channel == "" {
		log.Printf("telegraph: notify: %s: no support channel configured", what)
		return
	}

	res := n.sendOnce(ctx, channel, send)
	switch res.Kind {
	case SendDelivered:
		fmt.Fprintf(n.out, "telegraph: notify: %s → %s\n", what, channel)
	case SendRelocated:
		n.channel.Store(res.NewChannelID)
		log.Printf("telegraph: notify: support channel moved from %s to %s", channel, res.NewChannelID)
		if !n.retryOnRelocate {
			return
		}
		retry := n.sendOnce(ctx, res.NewChannelID, send)
		switch retry.Kind {
		case SendDelivered:
			fmt.Fprintf(n.out, "telegraph: notify: %s → %s (retry)\n", what, res.NewChannelID)
		case SendRelocated:
			n.channel.Store(retry.NewChannelID)
			log.Printf("telegraph: notify: support channel moved again from %s to %s", res.NewChannelID, retry.NewChannelID)
		case SendFailed:
			log.Printf("telegraph: notify: %s retry to %s: %v", what, res.NewChannelID, retry.Err)
		}
	case SendFailed:
		log.Printf("telegraph: notify: %s to %s: %v", what, channel, res.Err)
	}
}

func (n *Notifier) sendOnce(ctx context.Context, channel string, send sendFunc) SendResult {
	return withTimeout(ctx, n.sendTimeout, func(ctx context.Context) SendResult {
		return send(ctx, channel)
	})
}

// withTimeout bounds fn by d. A send that fails after the deadline reports
// the deadline as its error.
func withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) SendResult) SendResult {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	res := fn(ctx)
	if res.Kind == SendFailed && ctx.Err() != nil {
		return Failed(fmt.Errorf("%w: %v", ctx.Err(), res.Err))
	}
	return res
}
