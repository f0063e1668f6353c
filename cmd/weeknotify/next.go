package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"weeknotify/internal/app"
	"weeknotify/internal/config"
)

func newNextCmd(cfgPath *string) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Print the next trigger of every configured reminder",
		RunE: func(cmd *cobra.Command, _ []string) error {
			at := time.Now()
			if s := strings.TrimSpace(from); s != "" {
				t, err := time.Parse(time.RFC3339, s)
				if err != nil {
					return fmt.Errorf("--from: %w", err)
				}
				at = t
			}
			cfg, err := config.NewConfigManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			up, err := app.Preview(cfg, at)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "Title", "Weekday", "Time", "Next", "In"})
			for _, u := range up {
				t.AppendRow(table.Row{
					u.ID,
					u.Title,
					u.Weekday.String(),
					fmt.Sprintf("%02d:%02d", u.Hour, u.Minute),
					u.Next.Format("2006-01-02 15:04 MST"),
					u.Next.Sub(at).Round(time.Minute).String(),
				})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "reference instant (RFC3339); defaults to now")
	return cmd
}
