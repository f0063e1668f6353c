package periodic

import (
	"context"
	"errors"
	"time"

	"weeknotify/internal/task/engine"
)

var (
	ErrUnknownWorker  = errors.New("unknown periodic worker")
	ErrPeriodTooShort = errors.New("periodic job period below minimum")
	ErrTooManyJobs    = errors.New("too many periodic jobs")
	ErrKeyRequired    = errors.New("periodic job key required")
	ErrJobFailed      = errors.New("periodic job reported failure")
	errJobRetry       = errors.New("periodic job requested retry")
)

// MinPeriod is the shortest accepted repeat interval.
const MinPeriod = 15 * time.Minute

// Policy decides what happens when a job with the same key already exists.
type Policy int

const (
	// Replace cancels the existing job and registers the new one.
	Replace Policy = iota
	// Keep leaves the existing job untouched and ignores the new request.
	Keep
)

func (p Policy) String() string {
	switch p {
	case Replace:
		return "replace"
	case Keep:
		return "keep"
	default:
		return "unknown"
	}
}

// Result is what a worker reports for one run.
type Result int

const (
	Success Result = iota
	Failure
	Retry
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Retry:
		return "retry"
	default:
		return "unknown"
	}
}

// Job is the input of one worker run.
type Job struct {
	Key         string
	Worker      string
	Input       []byte
	ScheduledAt time.Time
}

// Worker is the body of a periodic job.
type Worker func(ctx context.Context, job Job) Result

// Request registers a unique periodic job.
type Request struct {
	Key          string
	Worker       string
	Period       time.Duration
	InitialDelay time.Duration
	Input        []byte
	Timeout      time.Duration
}

// Info is a point-in-time view of one registered job.
type Info struct {
	Key          string
	Worker       string
	Period       time.Duration
	InitialDelay time.Duration
	FirstRun     time.Time
	Next         time.Time
	Prev         time.Time
}

type Config struct {
	// Timezone is an IANA name used for cron bookkeeping. Empty means Local.
	Timezone string
	// MaxJobs caps distinct keys. 0 means unlimited.
	MaxJobs int
}

// Executor is the subset of the task engine used to run job bodies.
type Executor interface {
	Enqueue(t engine.Task) error
}
