package reminder

import (
	"context"
	"fmt"

	"weeknotify/internal/capability"
	"weeknotify/internal/eventbus"
	logx "weeknotify/pkg/logx"
)

// Outcome is the result of one dispatch attempt.
type Outcome int

const (
	// Skipped means the capability check denied delivery.
	Skipped Outcome = iota
	// Dispatched means the dispatcher accepted the notification.
	Dispatched
)

func (o Outcome) String() string {
	switch o {
	case Dispatched:
		return "dispatched"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Dispatcher renders a notification.
type Dispatcher interface {
	PostNotification(ctx context.Context, id int, title, body string) error
}

// Event is published on the bus for reminder lifecycle signals.
type Event struct {
	ID        int
	Mechanism string
	Next      string
	Err       string
}

// Gate posts a notification only while the capability checker allows it.
type Gate struct {
	checker    capability.Checker
	dispatcher Dispatcher
	log        logx.Logger
	bus        eventbus.Bus
}

// NewGate builds a Gate. A nil checker allows every dispatch.
func NewGate(checker capability.Checker, dispatcher Dispatcher, log logx.Logger, bus eventbus.Bus) *Gate {
	return &Gate{checker: checker, dispatcher: dispatcher, log: log, bus: bus}
}

// TryDispatch posts req unless delivery is not permitted. A denied capability
// yields Skipped and a nil error; the dispatcher is not called. A checker
// error counts as denied.
func (g *Gate) TryDispatch(ctx context.Context, req Request) (Outcome, error) {
	if !g.allowed(ctx, req.ID) {
		g.log.Debug("notification suppressed", logx.Int("id", req.ID))
		eventbus.Publish(g.bus, eventbus.ReminderSkipped, Event{ID: req.ID})
		return Skipped, nil
	}
	if g.dispatcher == nil {
		return Skipped, fmt.Errorf("post notification %d: no dispatcher", req.ID)
	}
	if err := g.dispatcher.PostNotification(ctx, req.ID, req.Title, req.Body); err != nil {
		return Skipped, fmt.Errorf("post notification %d: %w", req.ID, err)
	}
	eventbus.Publish(g.bus, eventbus.ReminderDispatched, Event{ID: req.ID})
	return Dispatched, nil
}

func (g *Gate) allowed(ctx context.Context, id int) bool {
	if g.checker == nil {
		return true
	}
	ok, err := g.checker.Allowed(ctx)
	if err != nil {
		g.log.Warn("capability check failed; treating as denied", logx.Int("id", id), logx.Err(err))
		return false
	}
	return ok
}
