package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/zulandar/helpdesk/internal/config"
	"github.com/zulandar/helpdesk/internal/db"
	"gorm.io/gorm"
)

// connectFromConfig loads the config and opens the configured database.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", describeDB(cfg.Database), err)
	}
	return cfg, gormDB, nil
}

// describeDB names the database for progress output.
func describeDB(d config.DatabaseConfig) string {
	if d.Driver == config.DriverMySQL {
		return fmt.Sprintf("mysql %s:%d/%s", d.Host, d.Port, d.Name)
	}
	return "sqlite " + d.Path
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(out io.Writer) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
