// Package capability answers whether a notification may be posted right now.
package capability

import (
	"context"
	"sync/atomic"
)

// Checker reports whether delivery is currently permitted.
type Checker interface {
	Allowed(ctx context.Context) (bool, error)
}

// Toggle is a runtime-switchable permission flag. The zero value denies.
type Toggle struct {
	v atomic.Bool
}

func NewToggle(granted bool) *Toggle {
	t := &Toggle{}
	t.v.Store(granted)
	return t
}

// Set updates the flag; config hot reload drives this.
func (t *Toggle) Set(granted bool) { t.v.Store(granted) }

func (t *Toggle) Granted() bool { return t.v.Load() }

func (t *Toggle) Allowed(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return t.v.Load(), nil
}

// Static always answers the same.
type Static bool

func (s Static) Allowed(context.Context) (bool, error) { return bool(s), nil }

// Func adapts a plain function to Checker.
type Func func(ctx context.Context) (bool, error)

func (f Func) Allowed(ctx context.Context) (bool, error) { return f(ctx) }
