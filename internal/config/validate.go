package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks field syntax and ranges. Semantic checks that need other
// packages (trigger schedules, backup formats) happen when the config is
// applied.
func (c *Config) Validate() error {
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for the sqlite and file drivers"))
		}
	case "memory", "mem":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	s := c.Scheduler
	if s.Workers < 0 {
		errs = append(errs, errors.New("scheduler.workers: must be >= 0"))
	}
	dur("scheduler.pass_timeout", s.PassTimeout)
	dur("scheduler.failure_report_every", s.FailureReportEvery)
	dur("scheduler.circuit.base_delay", s.Circuit.BaseDelay)
	dur("scheduler.circuit.max_delay", s.Circuit.MaxDelay)
	dur("scheduler.circuit.reset_after", s.Circuit.ResetAfter)

	if e := c.Engine; e != nil {
		if e.RetryMax < 0 {
			errs = append(errs, errors.New("engine.retry_max: must be >= 0"))
		}
		if e.RetryJitter < 0 || e.RetryJitter > 1 {
			errs = append(errs, errors.New("engine.retry_jitter: must be within [0, 1]"))
		}
		dur("engine.retry_base", e.RetryBase)
		dur("engine.retry_max_delay", e.RetryMaxDelay)
		dur("engine.attempt_timeout", e.AttemptTimeout)
	}

	d := c.Debug
	dur("debug.read_timeout", d.ReadTimeout)
	dur("debug.write_timeout", d.WriteTimeout)
	dur("debug.idle_timeout", d.IdleTimeout)
	if d.MutexProfileFraction < 0 || d.BlockProfileRate < 0 {
		errs = append(errs, errors.New("debug: profile rates must be >= 0"))
	}

	if c.Logging.Alerts.RatePerSec < 0 {
		errs = append(errs, errors.New("logging.alerts.rate_per_sec: must be >= 0"))
	}
	return errors.Join(errs...)
}
