package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
type Config struct {
	Driver string
	// Path is the sqlite database file.
	Path string
	// DSN is the postgres connection string.
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgxpool default
}

// Delivery outcomes.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeDeduped = "deduped"
)

// Delivery records one notification attempt chain for a reminder.
type Delivery struct {
	At         time.Time
	ReminderID int
	Channel    string
	ChatID     int64
	ThreadID   int
	Title      string
	Outcome    string
	Attempts   int
	Error      string
	TookMS     int64
}
