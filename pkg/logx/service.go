package logx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultLogFile   = "./ledgerd.log"
	defaultAlertFile = "./ledgerd.alerts.jsonl"
)

// Service owns the sinks behind every Logger it hands out. Apply rebuilds
// them; loggers already handed out pick up the new sinks on their next call.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	closer []io.Closer
	alert  *alertWriter

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its root Logger. A sink that
// cannot be opened is reported on stderr and skipped; console output is
// always available as a fallback.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{}
	if err := s.Apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logx: %v\n", err)
	}
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Dropped counts alert records suppressed by rate limiting or write errors
// since the alert sink was last opened.
func (s *Service) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alert == nil {
		return 0
	}
	return s.alert.dropped.Load()
}

// Close falls back to console output and closes file sinks.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(consoleOnly(parseLevel(s.cfg.Level, zerolog.InfoLevel)))
	return s.closeLocked()
}

func (s *Service) closeLocked() error {
	var errs []error
	for _, c := range s.closer {
		errs = append(errs, c.Close())
	}
	s.closer, s.alert = nil, nil
	return errors.Join(errs...)
}

func (s *Service) store(zl zerolog.Logger) { s.root.Store(&zl) }

// Apply swaps sinks and level. Sinks that fail to open are left out and
// their errors returned; the rest of cfg still takes effect.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	_ = s.closeLocked()

	var (
		errs    []error
		writers []io.Writer
	)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		path := orDefault(cfg.File.Path, defaultLogFile)
		if f, err := openAppend(path); err != nil {
			errs = append(errs, fmt.Errorf("log file %s: %w", path, err))
		} else {
			s.closer = append(s.closer, f)
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Alerts.Enabled {
		path := orDefault(cfg.Alerts.Path, defaultAlertFile)
		if f, err := openAppend(path); err != nil {
			errs = append(errs, fmt.Errorf("alert file %s: %w", path, err))
		} else {
			rps := max(1, cfg.Alerts.RatePerSec)
			s.alert = &alertWriter{
				f:       f,
				min:     parseLevel(cfg.Alerts.MinLevel, zerolog.WarnLevel),
				limiter: rate.NewLimiter(rate.Limit(rps), rps),
			}
			s.closer = append(s.closer, f)
			writers = append(writers, s.alert)
		}
	}

	lvl := parseLevel(cfg.Level, zerolog.InfoLevel)
	if len(writers) == 0 {
		s.store(consoleOnly(lvl))
	} else {
		s.store(zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger())
	}
	return errors.Join(errs...)
}

func orDefault(path, def string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	return def
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func consoleOnly(lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(newConsoleWriter(Stdout())).Level(lvl).With().Timestamp().Logger()
}

func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: consoleTimeFormat,
		// caller is already "pkg/file.go:line"
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}
