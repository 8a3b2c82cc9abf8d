package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/helpdesk/internal/config"
	"github.com/zulandar/helpdesk/internal/db"
	"github.com/zulandar/helpdesk/internal/report"
	"github.com/zulandar/helpdesk/internal/telegraph"
	discordadapter "github.com/zulandar/helpdesk/internal/telegraph/discord"
	slackadapter "github.com/zulandar/helpdesk/internal/telegraph/slack"
	telegramadapter "github.com/zulandar/helpdesk/internal/telegraph/telegram"
	"github.com/zulandar/helpdesk/internal/ticket"
)

func newBotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Run the support chat bot",
		Long:  "The bot walks users through issue reports and suggestions and notifies the support channel.",
	}

	cmd.AddCommand(newBotStartCmd())
	return cmd
}

func newBotStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the bot in the foreground",
		Long:  "Connects to the configured chat platform and serves conversations until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBotStart(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Helpdesk config file")
	return cmd
}

func runBotStart(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateBot(); err != nil {
		return err
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", describeDB(cfg.Database), err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	store, err := ticket.NewStore(gormDB)
	if err != nil {
		return err
	}
	reports, err := report.NewGenerator(cfg.Report.Dir)
	if err != nil {
		return err
	}
	adapter, err := createAdapter(cfg)
	if err != nil {
		return err
	}

	daemon, err := telegraph.NewDaemon(telegraph.DaemonOpts{
		Config:     cfg,
		Adapter:    adapter,
		Repository: store,
		Reports:    reports,
		Counter:    store,
		Out:        cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.OutOrStdout())
	defer cancel()
	return daemon.Run(ctx)
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (telegraph.Adapter, error) {
	switch cfg.Bot.Platform {
	case config.PlatformTelegram:
		return telegramadapter.New(telegramadapter.AdapterOpts{
			Token: cfg.Bot.Telegram.Token,
		})
	case config.PlatformSlack:
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken: cfg.Bot.Slack.AppToken,
			BotToken: cfg.Bot.Slack.BotToken,
		})
	case config.PlatformDiscord:
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken: cfg.Bot.Discord.BotToken,
		})
	default:
		return nil, fmt.Errorf("bot: unsupported platform %q", cfg.Bot.Platform)
	}
}
