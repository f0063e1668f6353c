package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "weeknotify/internal/transport"
)

const (
	telegramQueueSize  = 256
	telegramMaxText    = 3500
	telegramDrainLimit = 2 * time.Second
)

// TelegramConfig mirrors records at or above MinLevel into a chat.
// Records over the rate limit or a full queue are dropped; the sink never
// blocks the caller.
type TelegramConfig struct {
	Enabled bool
	// MinLevel defaults to warn.
	MinLevel string
	// RatePerSec defaults to 1.
	RatePerSec int
}

// telegramSink holds the chat target and the async delivery queue.
type telegramSink struct {
	mu       sync.Mutex
	sender   kit.Adapter
	to       kit.ChatTarget
	limiter  *rate.Limiter
	minLevel zerolog.Level

	queue  chan string
	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SetTelegramTarget sets where log records are mirrored. A zero chat id or a
// nil sender turns mirroring off without touching the other sinks.
func (s *Service) SetTelegramTarget(sender kit.Adapter, to kit.ChatTarget) {
	s.tg.mu.Lock()
	s.tg.sender = sender
	s.tg.to = to
	s.tg.mu.Unlock()
}

func (t *telegramSink) apply(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	t.mu.Lock()
	t.minLevel = ParseLevel(cfg.MinLevel, zerolog.WarnLevel)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	t.mu.Unlock()

	t.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		t.queue = make(chan string, telegramQueueSize)
		t.cancel = cancel
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.run(ctx)
		}()
	})
}

// close stops the worker after sending what is already queued.
func (t *telegramSink) close() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
}

func (t *telegramSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			t.drain()
			return
		case msg := <-t.queue:
			t.send(context.Background(), msg)
		}
	}
}

func (t *telegramSink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), telegramDrainLimit)
	defer cancel()
	for {
		select {
		case msg := <-t.queue:
			if ctx.Err() != nil {
				return
			}
			t.send(ctx, msg)
		default:
			return
		}
	}
}

func (t *telegramSink) send(ctx context.Context, msg string) {
	t.mu.Lock()
	sender, to := t.sender, t.to
	t.mu.Unlock()
	if sender == nil || to.ChatID == 0 {
		return
	}
	// Send errors are not logged: they would loop back into this sink.
	_, _ = sender.SendText(ctx, to, msg, &kit.SendOptions{DisablePreview: true})
}

// telegramWriter is the zerolog sink feeding telegramSink.
type telegramWriter struct{ sink *telegramSink }

func (w *telegramWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *telegramWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t := w.sink
	t.mu.Lock()
	ok := t.sender != nil && t.to.ChatID != 0 && level >= t.minLevel && level != zerolog.NoLevel
	lim := t.limiter
	t.mu.Unlock()
	if !ok || lim == nil || !lim.Allow() {
		return len(p), nil
	}

	msg := formatTelegramRecord(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case t.queue <- msg:
	default:
	}
	return len(p), nil
}

// formatTelegramRecord renders one JSON record as "[LEVEL] message" followed
// by one "- key=value" line per field, in key order.
func formatTelegramRecord(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), telegramMaxText)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- " + k + "=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), telegramMaxText)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
