package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"ledgerd/internal/eventbus"
	"ledgerd/internal/storage"
	"ledgerd/internal/task/engine"
	"ledgerd/pkg/logx"
)

var ErrPassInProgress = errors.New("scheduler: pass already in progress")

// Config controls the driver.
type Config struct {
	Enabled bool
	// Schedule is the pass trigger: cron ("*/30 * * * *"), Go duration ("30m")
	// or HH:MM interval ("00:30"). Empty means DefaultSchedule.
	Schedule string
	Timezone string // IANA TZ, e.g. "Europe/Berlin"

	// Workers bounds how many actions are processed in parallel.
	Workers     int
	PassTimeout time.Duration
	RunOnStart  bool

	// FailureReportEvery throttles the aggregated failure warning.
	FailureReportEvery time.Duration

	// Circuit breaker over consecutive failing passes of one action.
	//
	// If CircuitTripFailures < 0, the circuit breaker is disabled.
	// If CircuitTripFailures == 0, a default is applied.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

const (
	DefaultSchedule           = "30m"
	defaultPassTimeout        = 10 * time.Minute
	defaultFailureReportEvery = time.Hour
)

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.PassTimeout <= 0 {
		c.PassTimeout = defaultPassTimeout
	}
	if c.FailureReportEvery <= 0 {
		c.FailureReportEvery = defaultFailureReportEvery
	}
	return c
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	store  storage.Store
	engine *engine.Engine
	now    func() time.Time

	c       *cron.Cron
	entryID cron.EntryID
	spec    TriggerSpec
	spread  time.Duration

	// runCtx parents triggered passes; Stop cancels it.
	runCtx  context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup

	failReport *rate.Limiter
	circuits   circuitStore
	events     eventbus.Bus

	lastPass PassReport
}

// PassReport summarizes one pass over the enabled actions.
type PassReport struct {
	Started  time.Time
	Duration time.Duration
	// Processed counts actions handed to the engine.
	Processed int
	// Executed counts occurrences executed across all actions.
	Executed int
	Failed   int
	// Deferred counts actions skipped because their circuit is open.
	Deferred int
	Errors   []error
}

// Err joins the failures of the pass, or returns nil.
func (r PassReport) Err() error { return errors.Join(r.Errors...) }

// MarshalJSON renders Errors as messages; error values have no JSON form.
func (r PassReport) MarshalJSON() ([]byte, error) {
	type plain PassReport
	msgs := make([]string, 0, len(r.Errors))
	for _, err := range r.Errors {
		msgs = append(msgs, err.Error())
	}
	return json.Marshal(struct {
		plain
		Errors []string `json:"Errors,omitempty"`
	}{plain(r), msgs})
}

type ActionInfo struct {
	UID            string
	Type           string
	ActionUID      string
	Enabled        bool
	Recurrence     string
	Next           time.Time
	LastRun        time.Time
	ExecutionCount int
	PlannedCount   int
	Due            bool
	// CircuitOpenUntil is set while failures keep the action deferred.
	CircuitOpenUntil time.Time
}

type Snapshot struct {
	Enabled     bool
	Timezone    string
	Schedule    string
	Next        time.Time
	Prev        time.Time
	Spread      time.Duration
	Workers     int
	PassTimeout time.Duration
	Running     bool
	LastPass    PassReport
	Actions     []ActionInfo
}
