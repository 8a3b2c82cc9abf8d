package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/helpdesk/internal/config"
	"github.com/zulandar/helpdesk/internal/db"
	"golang.org/x/term"
	"gorm.io/gorm"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBResetCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the Helpdesk database",
		Long:  "Creates the database if needed (MySQL) and migrates the profile, ticket and attachment tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Helpdesk config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Loaded config from %s\n", configPath)

	if cfg.Database.Driver == config.DriverMySQL {
		adminDB, err := connectAdmin(cfg.Database)
		if err != nil {
			return err
		}
		if err := db.CreateDatabase(adminDB, cfg.Database.Name); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.Database.Name)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", describeDB(cfg.Database), err)
	}
	if err := migrate(out, gormDB); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nHelpdesk database initialized successfully.")
	return nil
}

func newDBResetCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and re-initialize the Helpdesk database",
		Long: `Drops every Helpdesk table (SQLite) or the whole database (MySQL) and
migrates a fresh schema. All tickets, profiles and screenshots are lost.

Without --yes the command asks for confirmation, and refuses to run when
stdin is not a terminal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBReset(cmd, configPath, yes)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Helpdesk config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func runDBReset(cmd *cobra.Command, configPath string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	target := describeDB(cfg.Database)

	if !skipConfirm {
		if !isTerminal(cmd.InOrStdin()) {
			return fmt.Errorf("db reset: stdin is not a terminal; pass --yes to confirm")
		}
		if !confirmReset(cmd, target) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	if cfg.Database.Driver == config.DriverMySQL {
		adminDB, err := connectAdmin(cfg.Database)
		if err != nil {
			return err
		}
		if err := db.DropDatabase(adminDB, cfg.Database.Name); err != nil {
			return err
		}
		fmt.Fprintf(out, "Dropped database %s\n", cfg.Database.Name)
		if err := db.CreateDatabase(adminDB, cfg.Database.Name); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s re-created\n", cfg.Database.Name)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", target, err)
	}
	if cfg.Database.Driver != config.DriverMySQL {
		if err := db.DropAll(gormDB); err != nil {
			return err
		}
		fmt.Fprintf(out, "Dropped %d tables\n", len(db.AllModels()))
	}
	if err := migrate(out, gormDB); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nHelpdesk database reset and re-initialized successfully.")
	return nil
}

func connectAdmin(d config.DatabaseConfig) (*gorm.DB, error) {
	adminDB, err := db.ConnectAdmin(d.Host, d.Port, d.User, d.Password)
	if err != nil {
		return nil, fmt.Errorf("connect to MySQL at %s:%d: %w", d.Host, d.Port, err)
	}
	return adminDB, nil
}

func migrate(out io.Writer, gormDB *gorm.DB) error {
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	return nil
}

// isTerminal reports whether r is an interactive terminal. Replaced in tests.
var isTerminal = func(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func confirmReset(cmd *cobra.Command, target string) bool {
	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()

	fmt.Fprintf(out, "WARNING: This will permanently delete all tickets in %s.\n", target)
	fmt.Fprintln(out, "This action cannot be undone.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}
