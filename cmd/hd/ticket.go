package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/helpdesk/internal/models"
	"github.com/zulandar/helpdesk/internal/ticket"
)

func newTicketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Inspect submitted tickets",
	}

	cmd.AddCommand(newTicketListCmd())
	cmd.AddCommand(newTicketShowCmd())
	return cmd
}

func newTicketListCmd() *cobra.Command {
	var (
		configPath string
		filters    ticket.ListFilters
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		Long:  "Lists tickets newest first with optional filters. Output is formatted as a table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTicketList(cmd, configPath, filters)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Helpdesk config file")
	cmd.Flags().StringVar(&filters.Status, "status", "", "filter by status (new, in_progress, resolved, closed)")
	cmd.Flags().StringVar(&filters.Kind, "kind", "", "filter by kind (issue, suggestion)")
	cmd.Flags().StringVar(&filters.Search, "search", "", "filter by ticket number prefix")
	cmd.Flags().IntVar(&filters.Limit, "limit", 50, "maximum number of tickets (0 for all)")
	return cmd
}

func runTicketList(cmd *cobra.Command, configPath string, filters ticket.ListFilters) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	store, err := ticket.NewStore(gormDB)
	if err != nil {
		return err
	}

	tickets, err := store.List(context.Background(), filters)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(tickets) == 0 {
		fmt.Fprintln(out, "No tickets found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOKEN\tKIND\tSTATUS\tUSER\tPAGE\tCREATED")
	for i := range tickets {
		t := &tickets[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.Token, t.Kind(), t.Status, truncate(t.Profile.DisplayName(), 24),
			orDash(location(t)), t.CreatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}

func newTicketShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <token>",
		Short: "Show ticket details",
		Long:  "Displays a ticket with its user, page, description and attachment list.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTicketShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Helpdesk config file")
	return cmd
}

func runTicketShow(cmd *cobra.Command, configPath, token string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	store, err := ticket.NewStore(gormDB)
	if err != nil {
		return err
	}

	t, err := store.Get(context.Background(), token)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Ticket:      %s\n", t.Token)
	fmt.Fprintf(out, "Kind:        %s\n", t.Kind())
	fmt.Fprintf(out, "Status:      %s\n", t.Status)
	fmt.Fprintf(out, "User:        %s (%s)\n", t.Profile.DisplayName(), t.Profile.TransportID)
	fmt.Fprintf(out, "Created:     %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if t.Page != nil {
		fmt.Fprintf(out, "Page:        %s\n", *t.Page)
	}
	if t.Section != nil {
		fmt.Fprintf(out, "Section:     %s\n", *t.Section)
	}
	fmt.Fprintf(out, "\nDescription:\n  %s\n", t.Description)
	if t.AdditionalInfo != nil {
		fmt.Fprintf(out, "\nAdditional info:\n  %s\n", *t.AdditionalInfo)
	}
	if len(t.Attachments) > 0 {
		fmt.Fprintf(out, "\nAttachments (%d):\n", len(t.Attachments))
		for _, a := range t.Attachments {
			fmt.Fprintf(out, "  #%d  %s  (%s)\n", a.ID, a.FileName, a.UploadedAt.Format("2006-01-02 15:04"))
		}
	}
	return nil
}

// location renders "Page / Section" for listing.
func location(t *models.Ticket) string {
	var page, section string
	if t.Page != nil {
		page = *t.Page
	}
	if t.Section != nil {
		section = *t.Section
	}
	if page != "" && section != "" {
		return page + " / " + section
	}
	return page
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
