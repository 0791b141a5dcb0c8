package app

import (
	"fmt"
	"strings"
	"time"

	"ledgerd/internal/backup"
	"ledgerd/internal/config"
	"ledgerd/internal/observability/debughttp"
	"ledgerd/internal/storage"
	"ledgerd/internal/task/engine"
	"ledgerd/internal/task/scheduler"
	"ledgerd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			Path:       l.Alerts.Path,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.Config{
		Enabled:             sc.Enabled,
		Schedule:            strings.TrimSpace(sc.Schedule),
		Timezone:            strings.TrimSpace(sc.Timezone),
		Workers:             sc.Workers,
		RunOnStart:          sc.RunOnStart,
		CircuitTripFailures: sc.Circuit.TripFailures,
	}
	durs := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"scheduler.pass_timeout", sc.PassTimeout, &out.PassTimeout},
		{"scheduler.failure_report_every", sc.FailureReportEvery, &out.FailureReportEvery},
		{"scheduler.circuit.base_delay", sc.Circuit.BaseDelay, &out.CircuitBaseDelay},
		{"scheduler.circuit.max_delay", sc.Circuit.MaxDelay, &out.CircuitMaxDelay},
		{"scheduler.circuit.reset_after", sc.Circuit.ResetAfter, &out.CircuitResetAfter},
	}
	for _, d := range durs {
		v, err := config.ParseDurationField(d.path, d.raw)
		if err != nil {
			return scheduler.Config{}, err
		}
		*d.dst = v
	}
	if out.Schedule != "" {
		if _, err := scheduler.ParseTrigger(out.Schedule); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.schedule: %w", err)
		}
	}
	if out.Timezone != "" {
		if _, err := time.LoadLocation(out.Timezone); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", out.Timezone, err)
		}
	}
	return out, nil
}

func mapRetryPolicy(cfg *config.Config) (engine.RetryPolicy, error) {
	e := cfg.Engine
	if e == nil {
		return engine.RetryPolicy{}, nil
	}
	p := engine.RetryPolicy{Max: e.RetryMax, Jitter: e.RetryJitter}
	var err error
	if p.Base, err = config.ParseDurationField("engine.retry_base", e.RetryBase); err != nil {
		return p, err
	}
	if p.MaxDelay, err = config.ParseDurationField("engine.retry_max_delay", e.RetryMaxDelay); err != nil {
		return p, err
	}
	if p.Timeout, err = config.ParseDurationField("engine.attempt_timeout", e.AttemptTimeout); err != nil {
		return p, err
	}
	return p, nil
}

func mapBackupDefaults(cfg *config.Config) (backup.Params, error) {
	b := cfg.Backup
	p := backup.Params{Target: strings.TrimSpace(b.Dir)}
	var err error
	if s := strings.TrimSpace(b.Format); s != "" {
		if p.Format, err = backup.ParseFormat(s); err != nil {
			return p, fmt.Errorf("backup.format: %w", err)
		}
	}
	if s := strings.TrimSpace(b.Compression); s != "" {
		if p.Compression, err = backup.ParseCompression(s); err != nil {
			return p, fmt.Errorf("backup.compression: %w", err)
		}
	}
	return p, nil
}

func mapDebugConfig(cfg *config.Config) (debughttp.Config, error) {
	d := cfg.Debug
	out := debughttp.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Prefix:               strings.TrimSpace(d.PprofPrefix),
		Token:                strings.TrimSpace(d.Token),
		AllowInsecure:        d.AllowInsecure,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	// pprof/profile streams for its seconds parameter (30s by default).
	if out.WriteTimeout, err = config.ParseDurationOrDefault("debug.write_timeout", d.WriteTimeout, 60*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

// validate runs every mapping so a hot reload is rejected before commit.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRetryPolicy(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	_, err := mapBackupDefaults(cfg)
	return err
}
