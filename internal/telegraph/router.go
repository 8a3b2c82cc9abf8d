package telegraph

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Handler processes one inbound message.
type Handler interface {
	Handle(ctx context.Context, msg InboundMessage)
}

// Router fans inbound messages out to a Handler. Messages from the same
// identity are handled one at a time in arrival order; different identities
// run in parallel.
type Router struct {
	handler   Handler
	botUserID string // the bot's own user ID (to filter self-messages)
	out       io.Writer

	mu     sync.Mutex
	queues map[string][]InboundMessage // present while a drain goroutine runs
	wg     sync.WaitGroup
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Handler   Handler
	BotUserID string    // bot's user ID for self-message filtering
	Out       io.Writer // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("telegraph: router: handler is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Router{
		handler:   opts.Handler,
		botUserID: opts.BotUserID,
		out:       out,
		queues:    make(map[string][]InboundMessage),
	}, nil
}

// Dispatch queues msg for its identity and returns without waiting for it
// to be handled.
func (r *Router) Dispatch(ctx context.Context, msg InboundMessage) {
	if r.isSelfMessage(msg) {
		return
	}

	text := strings.TrimSpace(msg.Text)
	if msg.Photo != nil {
		text = "[photo] " + text
	}
	fmt.Fprintf(r.out, "telegraph: router: recv [ch=%s user=%s] %q\n",
		msg.ChannelID, msg.Identity(), truncate(text, 80))

	key := msg.Identity()
	r.mu.Lock()
	q, running := r.queues[key]
	r.queues[key] = append(q, msg)
	if !running {
		r.wg.Add(1)
		go r.drain(ctx, key)
	}
	r.mu.Unlock()
}

// drain handles queued messages for key until the queue is empty.
func (r *Router) drain(ctx context.Context, key string) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		q := r.queues[key]
		if len(q) == 0 {
			delete(r.queues, key)
			r.mu.Unlock()
			return
		}
		msg := q[0]
		r.queues[key] = q[1:]
		r.mu.Unlock()

		r.handle(ctx, msg)
	}
}

func (r *Router) handle(ctx context.Context, msg InboundMessage) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("telegraph: router: handler panic for %s: %v", msg.Identity(), p)
		}
	}()
	r.handler.Handle(ctx, msg)
}

// Wait blocks until every queued message has been handled.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Active returns the number of identities with queued or running messages.
func (r *Router) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

// isSelfMessage returns true if the message is from the bot itself.
func (r *Router) isSelfMessage(msg InboundMessage) bool {
	return r.botUserID != "" && msg.UserID == r.botUserID
}
