package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"weeknotify/internal/app"
	"weeknotify/internal/config"
)

func TestPrintStatusRendersSnapshot(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "status.json")
	at := time.Now().Add(26 * time.Hour).Truncate(time.Minute)
	st := app.Status{
		WrittenAt: time.Now(),
		Running:   true,
		Timezone:  "UTC",
		Alarms:    []app.AlarmStatus{{ID: 42, At: at}},
		Jobs:      []app.JobStatus{{Key: "weekly-reminder", Worker: "reminder.weekly", Period: 7 * 24 * time.Hour, Next: at}},
		Engine:    app.EngineStatus{Workers: 2, QueueCap: 256},
		Deliveries: []app.DeliveryStatus{
			{At: time.Now(), ID: 42, Text: "Weekly report", Outcome: "sent", Attempts: 1},
		},
	}
	if err := app.WriteStatus(path, st); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}

	var buf bytes.Buffer
	cfg := &config.Config{Status: config.StatusConfig{Path: path}}
	if err := printStatus(context.Background(), &buf, cfg, 10); err != nil {
		t.Fatalf("printStatus: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"daemon running", "Exact alarms", "42", "weekly-reminder", "reminder.weekly", "Weekly report", "daemon memory"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintStatusWithoutSnapshot(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	cfg := &config.Config{Status: config.StatusConfig{Path: filepath.Join(t.TempDir(), "missing.json")}}
	err := printStatus(context.Background(), &buf, cfg, 10)
	if err == nil || !strings.Contains(err.Error(), "is the daemon running") {
		t.Fatalf("got %v", err)
	}

	cfg.Status.Path = "none"
	if err := printStatus(context.Background(), &buf, cfg, 10); err == nil {
		t.Fatal("disabled status file should be an error")
	}
}
