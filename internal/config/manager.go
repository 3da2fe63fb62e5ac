package config

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	logx "tickhost/pkg/logx"
)

const validateTimeout = 5 * time.Second

// ConfigManager owns the config file: it loads it, watches it, and fans
// validated changes out to subscribers.
type ConfigManager struct {
	path      string
	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	mu  sync.RWMutex
	cfg *Config
	// canon is cfg re-marshaled; a reload with the same canon is a no-op,
	// so editors that write a file several times publish once.
	canon []byte

	// subsMu is held while sending so Unsubscribe never closes a channel
	// under a sender.
	subsMu sync.Mutex
	subs   []chan *Config
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop()}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs the hook a reloaded config must pass before it is
// committed.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and decodes the file without committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	canon := canonical(cfg)
	m.mu.Lock()
	m.cfg, m.canon = cfg, canon
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func canonical(cfg *Config) []byte {
	if cfg == nil {
		return nil
	}
	b, _ := json.Marshal(cfg)
	return b
}

// Subscribe returns a channel of committed updates. A full channel loses
// its oldest update, never the newest.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe closes ch. It is safe to call more than once.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		for sent := false; !sent; {
			select {
			case ch <- cfg:
				sent = true
			default:
				select {
				case <-ch:
					m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
				default:
				}
			}
		}
	}
}

// reload parses, validates, commits and publishes the file. Content equal to
// the committed config is ignored.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	canon := canonical(cfg)
	m.mu.RLock()
	same := bytes.Equal(canon, m.canon)
	m.mu.RUnlock()
	if same {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path))
}
