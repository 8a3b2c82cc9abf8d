package telegraph

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zulandar/helpdesk/internal/config"
)

// Daemon is the main bot process. It connects to a chat platform via an
// Adapter, routes inbound messages to the conversation Engine, and runs the
// session sweep and digest schedules.
type Daemon struct {
	cfg     *config.Config
	adapter Adapter
	repo    Repository
	reports ReportRenderer
	counter Counter
	out     io.Writer

	mu       sync.Mutex
	engine   *Engine
	notifier *Notifier
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Config     *config.Config
	Adapter    Adapter
	Repository Repository
	Reports    ReportRenderer // optional; suggestions notify as text without it
	Counter    Counter        // optional; required when the digest is enabled
	Out        io.Writer      // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("telegraph: config is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	if opts.Repository == nil {
		return nil, fmt.Errorf("telegraph: repository is required")
	}
	if opts.Config.Digest.Enabled && opts.Counter == nil {
		return nil, fmt.Errorf("telegraph: counter is required when the digest is enabled")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.Config.Bot.SupportChannel == "" {
		fmt.Fprintf(out, "telegraph: no support channel configured; notifications disabled\n")
	}
	return &Daemon{
		cfg:     opts.Config,
		adapter: opts.Adapter,
		repo:    opts.Repository,
		reports: opts.Reports,
		counter: opts.Counter,
		out:     out,
	}, nil
}

// Run connects the adapter, builds the engine and router, and pumps inbound
// messages until ctx is cancelled or the adapter closes its channel. On
// shutdown it waits for in-flight messages before closing the adapter.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Helpdesk bot connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}

	// Extract bot user ID if the adapter supports it.
	var botUserID string
	if bui, ok := d.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}
	if reg, ok := d.adapter.(CommandRegistrar); ok {
		if err := reg.RegisterCommands(ctx, BotCommands); err != nil {
			log.Printf("telegraph: register commands: %v", err)
		}
	}

	notifier, err := NewNotifier(NotifierOpts{
		Adapter:         d.adapter,
		Channel:         NewChannelCell(d.cfg.Bot.SupportChannel),
		SendTimeout:     d.cfg.SendTimeout(),
		RetryOnRelocate: d.cfg.Notify.RetryOnRelocate,
		Out:             d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: build notifier: %w", err)
	}

	sessions := NewSessionStore(d.cfg.SessionTTL())
	engine, err := NewEngine(EngineOpts{
		Adapter:         d.adapter,
		Repository:      d.repo,
		Reports:         d.reports,
		Notifier:        notifier,
		Sessions:        sessions,
		SendTimeout:     d.cfg.SendTimeout(),
		DownloadTimeout: d.cfg.DownloadTimeout(),
		Out:             d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: build engine: %w", err)
	}

	router, err := NewRouter(RouterOpts{
		Handler:   engine,
		BotUserID: botUserID,
		Out:       d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: build router: %w", err)
	}

	var digest *Digest
	if d.cfg.Digest.Enabled {
		digest, err = NewDigest(DigestOpts{Counter: d.counter, Notifier: notifier})
		if err != nil {
			d.adapter.Close()
			return fmt.Errorf("telegraph: build digest: %w", err)
		}
	}

	// Start listening for inbound messages.
	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: listen: %w", err)
	}

	d.mu.Lock()
	d.engine, d.notifier = engine, notifier
	d.mu.Unlock()

	schedCtx, stopSchedules := context.WithCancel(ctx)
	var sched sync.WaitGroup
	sched.Add(1)
	go func() {
		defer sched.Done()
		runSchedule(schedCtx, "session sweep", d.cfg.Sessions.SweepCron, func(context.Context) {
			if n := sessions.Sweep(time.Now()); n > 0 {
				fmt.Fprintf(d.out, "telegraph: swept %d expired session(s), %d open\n", n, sessions.Len())
			}
		})
	}()
	if digest != nil {
		sched.Add(1)
		go func() {
			defer sched.Done()
			runSchedule(schedCtx, "digest", d.cfg.Digest.Cron, func(ctx context.Context) {
				if _, err := digest.Fire(ctx); err != nil {
					log.Printf("telegraph: %v", err)
				}
			})
		}()
	}

	fmt.Fprintf(d.out, "Helpdesk bot online (platform=%s)\n", d.cfg.Bot.Platform)

	// Handlers outlive ctx so that a message already accepted finishes its
	// reply and notification during shutdown.
	handleCtx := context.WithoutCancel(ctx)

	shutdown := func(reason string) error {
		fmt.Fprintf(d.out, "Helpdesk bot %s, draining %d conversation(s)...\n", reason, router.Active())
		router.Wait()
		stopSchedules()
		sched.Wait()
		if err := d.adapter.Close(); err != nil {
			log.Printf("telegraph: close adapter: %v", err)
		}
		fmt.Fprintf(d.out, "Helpdesk bot stopped\n")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return shutdown("shutting down")

		case msg, ok := <-inbound:
			if !ok {
				return shutdown("inbound channel closed")
			}
			router.Dispatch(handleCtx, msg)
		}
	}
}

// Engine returns the running conversation engine, or nil before Run has
// finished starting up.
func (d *Daemon) Engine() *Engine {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine
}

// SupportChannel returns the current support channel, which may differ from
// the configured one after a relocation.
func (d *Daemon) SupportChannel() string {
	d.mu.Lock()
	n := d.notifier
	d.mu.Unlock()
	if n == nil {
		return d.cfg.Bot.SupportChannel
	}
	return n.Channel()
}
