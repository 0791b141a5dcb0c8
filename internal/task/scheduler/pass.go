package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ledgerd/internal/action"
	"ledgerd/internal/eventbus"
	"ledgerd/internal/task/engine"
	"ledgerd/pkg/logx"
)

// RunPass processes every enabled scheduled action once.
//
// Only one pass runs at a time; a concurrent call returns ErrPassInProgress.
// Cancellation of ctx (or the pass timeout) is observed between actions: an
// action already handed to the engine finishes its batch and has its
// run-state saved, so no executed occurrence is lost.
//
// The returned error reports pass-level failures (listing actions). Failures
// of individual actions are collected in PassReport.Errors.
func (s *Service) RunPass(ctx context.Context) (PassReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return PassReport{}, ErrPassInProgress
	}
	defer s.running.Store(false)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	cc := effectiveCircuitCfg(cfg)

	rep := PassReport{Started: s.now()}
	ctx, cancel := context.WithTimeout(ctx, cfg.PassTimeout)
	defer cancel()

	actions, err := s.store.ListScheduledActions(ctx, true)
	if err != nil {
		return rep, fmt.Errorf("list scheduled actions: %w", err)
	}

	var (
		mu   sync.Mutex
		g    errgroup.Group
		keep = make(map[string]struct{}, len(actions))
	)
	g.SetLimit(cfg.Workers)
	for _, a := range actions {
		keep[a.UID] = struct{}{}
		if ctx.Err() != nil {
			break
		}
		if open, until := s.circuits.open(s.now(), a.UID, cc); open {
			mu.Lock()
			rep.Deferred++
			mu.Unlock()
			s.log.Debug("action deferred", logx.String("action", a.UID), logx.Time("until", until))
			continue
		}
		g.Go(func() error {
			// Go blocks while all workers are busy; re-check before starting.
			if ctx.Err() != nil {
				return nil
			}
			res, err := s.process(ctx, a, cc)
			mu.Lock()
			defer mu.Unlock()
			rep.Processed++
			rep.Executed += res.Executed
			if err != nil {
				rep.Failed++
				rep.Errors = append(rep.Errors, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() == nil {
		s.circuits.forget(keep)
	}
	rep.Duration = time.Since(rep.Started)

	s.mu.Lock()
	s.lastPass = rep
	s.mu.Unlock()

	s.logPass(rep, ctx.Err())
	s.publish(eventbus.Event{Kind: eventbus.PassDone, Time: rep.Started, Data: rep})
	return rep, nil
}

// process runs one action through the engine and persists its run-state.
// It ignores cancellation so a started batch is always recorded.
func (s *Service) process(ctx context.Context, a *action.ScheduledAction, cc circuitCfg) (engine.Result, error) {
	ctx = context.WithoutCancel(ctx)
	res, err := s.engine.Process(ctx, a, s.now())
	if res.Executed > 0 {
		if serr := s.store.SaveScheduledAction(ctx, a); serr != nil {
			// The occurrences happened; losing the run-state would repeat them.
			s.log.Error("save run-state failed",
				logx.String("action", a.UID),
				logx.Int("executed", res.Executed),
				logx.Err(serr),
			)
			if err == nil {
				err = fmt.Errorf("save %s: %w", a.UID, serr)
			}
		}
	}
	if until := s.circuits.record(s.now(), a.UID, cc, err); !until.IsZero() {
		s.log.Warn("action circuit open",
			logx.String("action", a.UID),
			logx.Time("until", until),
			logx.Err(err),
		)
		s.publish(eventbus.Event{Kind: eventbus.CircuitOpened, ActionUID: a.UID, Data: until})
	}
	return res, err
}
