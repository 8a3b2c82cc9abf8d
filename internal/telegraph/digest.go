package telegraph

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/helpdesk/internal/ticket"
)

// digestWindow is how far back a digest looks.
const digestWindow = 24 * time.Hour

// Counter counts tickets created in a window.
type Counter interface {
	CountSince(ctx context.Context, since time.Time) (ticket.Counts, error)
}

// Digest posts a summary of recent ticket activity to the support channel.
type Digest struct {
	counter  Counter
	notifier *Notifier
	window   time.Duration
	now      func() time.Time
}

// DigestOpts holds parameters for creating a Digest.
type DigestOpts struct {
	Counter  Counter
	Notifier *Notifier
	Window   time.Duration // defaults to 24h
}

// NewDigest creates a Digest.
func NewDigest(opts DigestOpts) (*Digest, error) {
	if opts.Counter == nil {
		return nil, fmt.Errorf("telegraph: digest: counter is required")
	}
	if opts.Notifier == nil {
		return nil, fmt.Errorf("telegraph: digest: notifier is required")
	}
	window := opts.Window
	if window <= 0 {
		window = digestWindow
	}
	return &Digest{
		counter:  opts.Counter,
		notifier: opts.Notifier,
		window:   window,
		now:      time.Now,
	}, nil
}

// Fire counts tickets in the window ending now and posts the digest.
// Returns false without posting when there was no activity.
func (d *Digest) Fire(ctx context.Context) (bool, error) {
	until := d.now()
	since := until.Add(-d.window)

	counts, err := d.counter.CountSince(ctx, since)
	if err != nil {
		return false, fmt.Errorf("telegraph: digest: %w", err)
	}
	// Suppress when no activity.
	if counts.Total() == 0 {
		return false, nil
	}

	d.notifier.NotifyText(ctx, "digest", FormatDigest(counts, since, until))
	return true, nil
}
