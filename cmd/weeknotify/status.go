package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"weeknotify/internal/app"
	"weeknotify/internal/config"
	"weeknotify/internal/storage"
	logx "weeknotify/pkg/logx"
)

const statusTimeLayout = "2006-01-02 15:04 MST"

func newStatusCmd(cfgPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show armed alarms, the fallback job and recent deliveries of the running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			return printStatus(cmd.Context(), os.Stdout, cfg, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of recent deliveries to show")
	return cmd
}

func printStatus(ctx context.Context, w io.Writer, cfg *config.Config, limit int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	path := cfg.StatusPath()
	if path == "" {
		return errors.New("status file disabled (status.path is none)")
	}
	st, err := app.ReadStatus(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("no status file at %s; is the daemon running?", path)
	}
	if err != nil {
		return err
	}

	now := time.Now()
	state := "running"
	if !st.Running {
		state = "stopped (alarms below were dropped at exit)"
	}
	fmt.Fprintf(w, "daemon %s, snapshot %s old, tz %s, permission granted: %t\n",
		state, now.Sub(st.WrittenAt).Round(time.Second), st.Timezone, st.PermissionGranted)
	fmt.Fprintf(w, "task engine: %d workers, queue %d/%d, in flight %d, dropped %d\n\n",
		st.Engine.Workers, st.Engine.QueueLen, st.Engine.QueueCap, st.Engine.InFlight, st.Engine.Dropped)

	alarms := table.NewWriter()
	alarms.SetOutputMirror(w)
	alarms.SetTitle("Exact alarms")
	alarms.AppendHeader(table.Row{"ID", "Fires at", "In"})
	for _, a := range st.Alarms {
		alarms.AppendRow(table.Row{a.ID, a.At.Format(statusTimeLayout), a.At.Sub(now).Round(time.Minute).String()})
	}
	alarms.Render()

	jobs := table.NewWriter()
	jobs.SetOutputMirror(w)
	jobs.SetTitle("Periodic jobs")
	jobs.AppendHeader(table.Row{"Key", "Worker", "Period", "Next", "Previous"})
	for _, j := range st.Jobs {
		jobs.AppendRow(table.Row{j.Key, j.Worker, j.Period.String(), fmtTime(j.Next), fmtTime(j.Prev)})
	}
	jobs.Render()

	rows, source, err := deliveriesFromStore(ctx, cfg, limit)
	if err != nil {
		fmt.Fprintf(w, "delivery log unavailable: %v\n", err)
	}
	if rows == nil {
		source = "daemon memory"
		for i, d := range st.Deliveries {
			if i >= limit {
				break
			}
			rows = append(rows, table.Row{d.At.Format(statusTimeLayout), d.ID, d.Text, d.Outcome, d.Attempts, ""})
		}
	}
	hist := table.NewWriter()
	hist.SetOutputMirror(w)
	hist.SetTitle("Recent deliveries (" + source + ")")
	hist.AppendHeader(table.Row{"At", "ID", "Title", "Outcome", "Attempts", "Error"})
	hist.AppendRows(rows)
	hist.Render()
	return nil
}

// deliveriesFromStore reads the delivery log when storage is configured.
// It returns nil rows when there is no store to read.
func deliveriesFromStore(ctx context.Context, cfg *config.Config, limit int) ([]table.Row, string, error) {
	sc := cfg.Storage
	if sc == nil {
		return nil, "", nil
	}
	busy, _ := config.ParseDuration("storage.busy_timeout", sc.BusyTimeout, time.Second)
	st, err := storage.Open(ctx, storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		DSN:         sc.DSN,
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, logx.Nop())
	if err != nil || st == nil {
		return nil, "", err
	}
	defer st.Close()

	ds, err := st.RecentDeliveries(ctx, limit)
	if err != nil {
		return nil, "", err
	}
	rows := make([]table.Row, 0, len(ds))
	for _, d := range ds {
		rows = append(rows, table.Row{d.At.Local().Format(statusTimeLayout), d.ReminderID, d.Title, d.Outcome, d.Attempts, d.Error})
	}
	return rows, "storage: " + sc.Driver, nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(statusTimeLayout)
}
