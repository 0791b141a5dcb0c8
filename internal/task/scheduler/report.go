package scheduler

import (
	"context"
	"errors"

	"ledgerd/internal/task/engine"
	"ledgerd/pkg/logx"
)

// logPass writes the pass summary. Failures are aggregated into one record
// and throttled by failReport, so an action that keeps failing does not
// flood the log on every trigger.
func (s *Service) logPass(rep PassReport, ctxErr error) {
	fields := []logx.Field{
		logx.Int("processed", rep.Processed),
		logx.Int("executed", rep.Executed),
		logx.Int("failed", rep.Failed),
		logx.Int("deferred", rep.Deferred),
		logx.Duration("took", rep.Duration),
	}
	if ctxErr != nil {
		reason := "canceled"
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			reason = "timeout"
		}
		s.log.Warn("pass interrupted", append(fields, logx.String("reason", reason))...)
	}

	if rep.Failed == 0 {
		if rep.Executed > 0 {
			s.log.Info("pass done", fields...)
		} else {
			s.log.Debug("pass done", fields...)
		}
		return
	}
	if !s.failReport.Allow() {
		s.log.Debug("pass failures (report throttled)", fields...)
		return
	}

	fields = append(fields, logx.Err(rep.Err()))
	if permanent(rep.Errors) {
		// A permanent failure needs an operator; retrying will not fix it.
		s.log.Error("pass had failing actions", fields...)
		return
	}
	s.log.Warn("pass had failing actions", fields...)
}

func permanent(errs []error) bool {
	for _, err := range errs {
		if engine.IsNoRetry(err) {
			return true
		}
	}
	return false
}
