package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"ledgerd/internal/eventbus"
	"ledgerd/internal/storage"
	"ledgerd/internal/task/engine"
	"ledgerd/pkg/logx"
)

func New(cfg Config, st storage.Store, eng *engine.Engine, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:        cfg,
		log:        log.With(logx.String("comp", "scheduler")),
		store:      st,
		engine:     eng,
		now:        time.Now,
		failReport: rate.NewLimiter(rate.Every(cfg.FailureReportEvery), 1),
	}
}

// SetEvents makes the service publish eventbus.PassDone and
// eventbus.CircuitOpened to b.
func (s *Service) SetEvents(b eventbus.Bus) {
	s.mu.Lock()
	s.events = b
	s.mu.Unlock()
}

func (s *Service) publish(e eventbus.Event) {
	s.mu.Lock()
	b := s.events
	s.mu.Unlock()
	if b != nil {
		b.Publish(e)
	}
}

// Enabled reports the current config flag. Safe while Apply runs.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the configuration. A changed schedule or timezone re-registers
// the trigger; other fields take effect on the next pass.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if _, err := ParseTrigger(cfg.Schedule); err != nil {
		return err
	}
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if old.FailureReportEvery != cfg.FailureReportEvery {
		s.failReport.SetLimit(rate.Every(cfg.FailureReportEvery))
	}
	if s.runCtx == nil {
		return nil
	}
	if !cfg.Enabled {
		if s.c != nil {
			s.stopCronLocked()
			s.log.Info("trigger disabled")
		}
		return nil
	}
	if s.c == nil || old.Schedule != cfg.Schedule || strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.stopCronLocked()
		return s.startCronLocked()
	}
	return nil
}

// Start registers the pass trigger. Passes started by the trigger run under a
// context derived from ctx and canceled by Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	cur := s.cfg
	if !cur.Enabled {
		s.log.Info("scheduler disabled; passes run only on demand")
		return nil
	}
	if err := s.startCronLocked(); err != nil {
		s.cancel()
		s.runCtx, s.cancel = nil, nil
		return err
	}
	if cur.RunOnStart {
		s.goPass("start")
	}
	return nil
}

// Stop removes the trigger, cancels in-flight passes between actions and
// waits for them until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	s.stopCronLocked()
	if s.cancel != nil {
		s.cancel()
	}
	s.runCtx, s.cancel = nil, nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for pass", logx.Err(ctx.Err()))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) startCronLocked() error {
	spec, err := ParseTrigger(s.cfg.Schedule)
	if err != nil {
		return err
	}
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}

	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
	job := cron.FuncJob(func() { s.trigger("cron") })

	var (
		id     cron.EntryID
		spread time.Duration
	)
	switch spec.Kind {
	case TriggerInterval:
		var sched cron.Schedule
		sched, spread = intervalSchedule(spec.Every, s.now())
		id = c.Schedule(sched, job)
	default:
		id, err = c.AddJob(spec.Cron, job)
		if err != nil {
			return fmt.Errorf("register trigger %q: %w", spec.Cron, err)
		}
	}
	c.Start()

	s.c, s.entryID, s.spec, s.spread, s.loc = c, id, spec, spread, loc
	s.log.Info("trigger registered",
		logx.String("schedule", spec.String()),
		logx.String("source", spec.Source),
		logx.String("tz", loc.String()),
		logx.Duration("spread", spread),
		logx.Time("next", c.Entry(id).Next),
	)
	return nil
}

// stopCronLocked stops the trigger without waiting for a running pass;
// passes are tracked by wg instead.
func (s *Service) stopCronLocked() {
	if s.c == nil {
		return
	}
	s.c.Stop()
	s.c, s.entryID = nil, 0
}

func (s *Service) trigger(source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.goPass(source)
}

// goPass starts a pass in the background. Callers hold s.mu.
func (s *Service) goPass(source string) {
	ctx := s.runCtx
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err := s.RunPass(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrPassInProgress):
			s.log.Debug("trigger skipped; pass in progress", logx.String("source", source))
		default:
			s.log.Warn("pass failed", logx.String("source", source), logx.Err(err))
		}
	}()
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler: timezone %q: %w", tz, err)
	}
	return loc, nil
}
