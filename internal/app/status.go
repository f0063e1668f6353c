package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logx "weeknotify/pkg/logx"
)

// Status is the daemon's view of its own schedule. The running daemon
// rewrites it to the status file; `weeknotify status` reads it back.
type Status struct {
	WrittenAt         time.Time        `json:"written_at"`
	Running           bool             `json:"running"`
	Timezone          string           `json:"timezone"`
	PermissionGranted bool             `json:"permission_granted"`
	Alarms            []AlarmStatus    `json:"alarms"`
	Jobs              []JobStatus      `json:"jobs"`
	Engine            EngineStatus     `json:"engine"`
	Deliveries        []DeliveryStatus `json:"deliveries"`
}

type AlarmStatus struct {
	ID int       `json:"id"`
	At time.Time `json:"at"`
}

type JobStatus struct {
	Key    string        `json:"key"`
	Worker string        `json:"worker"`
	Period time.Duration `json:"period"`
	Next   time.Time     `json:"next,omitempty"`
	Prev   time.Time     `json:"prev,omitempty"`
}

type EngineStatus struct {
	Workers  int    `json:"workers"`
	QueueLen int    `json:"queue_len"`
	QueueCap int    `json:"queue_cap"`
	InFlight int    `json:"in_flight"`
	Dropped  uint64 `json:"dropped"`
}

type DeliveryStatus struct {
	At       time.Time `json:"at"`
	ID       int       `json:"id"`
	Text     string    `json:"text"`
	Outcome  string    `json:"outcome"`
	Attempts int       `json:"attempts"`
}

// maxStatusDeliveries bounds the in-memory history copied into a snapshot.
const maxStatusDeliveries = 20

// Status collects the live state of every scheduling component.
func (a *App) Status() Status {
	st := Status{
		WrittenAt:         time.Now(),
		Running:           a.sup != nil && a.sup.Context().Err() == nil,
		Timezone:          a.loc.Load().String(),
		PermissionGranted: a.perm.Granted(),
	}
	for _, p := range a.alarms.Pending() {
		st.Alarms = append(st.Alarms, AlarmStatus{ID: p.Key, At: p.At})
	}
	for _, j := range a.jobs.Jobs() {
		st.Jobs = append(st.Jobs, JobStatus{Key: j.Key, Worker: j.Worker, Period: j.Period, Next: j.Next, Prev: j.Prev})
	}
	es := a.engine.Snapshot()
	st.Engine = EngineStatus{Workers: es.Workers, QueueLen: es.QueueLen, QueueCap: es.QueueCap, InFlight: es.InFlight, Dropped: es.Dropped}

	hist := a.notif.Snapshot()
	if len(hist) > maxStatusDeliveries {
		hist = hist[len(hist)-maxStatusDeliveries:]
	}
	for i := len(hist) - 1; i >= 0; i-- {
		h := hist[i]
		st.Deliveries = append(st.Deliveries, DeliveryStatus{At: h.At, ID: h.ID, Text: h.Text, Outcome: h.Outcome, Attempts: h.Attempts})
	}
	return st
}

// WriteStatus replaces the file at path with st. The rename keeps readers
// from ever seeing a partial file.
func WriteStatus(path string, st Status) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".status-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadStatus loads a snapshot written by WriteStatus.
func ReadStatus(path string) (*Status, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st Status
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("status file %s: %w", path, err)
	}
	return &st, nil
}

func (a *App) statusLoop(c context.Context, path string, every time.Duration) {
	write := func() {
		if err := WriteStatus(path, a.Status()); err != nil {
			a.log.Warn("status snapshot not written", logx.String("path", path), logx.Err(err))
		}
	}
	write()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.Done():
			return
		case <-t.C:
			write()
		}
	}
}
