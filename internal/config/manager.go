package config

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"

	"ledgerd/pkg/logx"
)

// reloadDelay coalesces the burst of events editors produce for one save.
const reloadDelay = 250 * time.Millisecond

// ConfigManager owns the active Config. Watch reloads it when the file
// changes; subscribers receive every accepted config, latest first.
type ConfigManager struct {
	path string

	mu   sync.RWMutex
	cfg  *Config
	hash [32]byte
	log  logx.Logger

	validator func(ctx context.Context, cfg *Config) error

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop(), subs: map[chan *Config]struct{}{}}
}

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

// SetValidator installs a hook run by Watch before a reloaded config is
// committed. A rejected config leaves the active one in place.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.validator = fn
	m.mu.Unlock()
}

func (m *ConfigManager) logger() logx.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.log
}

// Parse reads and validates the file without committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(m.path, b)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg, fingerprint(cfg))
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) commit(cfg *Config, sum [32]byte) {
	m.mu.Lock()
	m.cfg, m.hash = cfg, sum
	m.mu.Unlock()
}

// fingerprint hashes the decoded config, so comment or formatting edits do
// not count as a change.
func fingerprint(cfg *Config) [32]byte {
	b, _ := json.Marshal(cfg)
	return blake3.Sum256(b)
}

// Subscribe returns a channel that holds at most the newest unread config,
// and a func that closes it.
func (m *ConfigManager) Subscribe() (<-chan *Config, func()) {
	ch := make(chan *Config, 1)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, ch)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		// Replace an unread older config.
		select {
		case <-ch:
		default:
		}
		ch <- cfg
	}
}

// Watch reloads the config whenever the file changes, until ctx ends. The
// parent directory is watched so editors that replace the file by rename are
// seen. It returns an error when the watcher breaks; the caller restarts it.
func (m *ConfigManager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	m.logger().Debug("config watch started", logx.String("path", m.path))

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watch: event channel closed")
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) || ev.Op == 0 {
				continue
			}
			timer.Reset(reloadDelay)
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("config watch: error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; check the file anyway.
				m.logger().Warn("config watch overflow", logx.Err(err))
				timer.Reset(reloadDelay)
				continue
			}
			if errors.Is(err, fsnotify.ErrClosed) {
				return err
			}
			m.logger().Warn("config watch error", logx.Err(err))
		}
	}
}

// reload commits and publishes the file when it parses, differs from the
// active config and passes the validator.
func (m *ConfigManager) reload(ctx context.Context) {
	log := m.logger()
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	sum := fingerprint(cfg)

	m.mu.RLock()
	same, validate := sum == m.hash, m.validator
	m.mu.RUnlock()
	if same {
		log.Debug("config unchanged", logx.String("path", m.path))
		return
	}
	if validate != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := validate(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.commit(cfg, sum)
	m.publish(cfg)
	log.Info("config reloaded", logx.String("path", m.path), logx.String("blake3", hex.EncodeToString(sum[:8])))
}
