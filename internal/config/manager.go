package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"sync"
	"time"

	"wagate/pkg/logx"
)

const (
	reloadDebounce   = 250 * time.Millisecond
	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
	validateTimeout  = 5 * time.Second
)

// ConfigManager owns the current config snapshot and republishes it when the
// file changes on disk. A reload that fails to parse or validate is dropped and
// the previous snapshot stays active.
type ConfigManager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	subsMu  sync.Mutex
	subs    map[uint64]chan *Config
	nextSub uint64

	validator func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator adds a check that runs after Validate on every load and reload.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

func (m *ConfigManager) Path() string { return m.path }

// Parse reads the file and decodes it strictly. YAML is converted to JSON first
// so unknown keys are rejected for both formats.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, raw)
}

// Decode parses raw using the extension of name to pick the format.
func Decode(name string, raw []byte) (*Config, error) {
	jb := raw
	if isYAML(name) {
		var err error
		if jb, err = yamlToJSON(raw); err != nil {
			return nil, err
		}
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

func (m *ConfigManager) check(ctx context.Context, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.validator == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	return m.validator(vctx, cfg)
}

// Load parses, validates and commits the file once.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.check(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", m.path, err)
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) commit(cfg *Config) {
	h := hashConfig(cfg)
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = h
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives every committed reload and a
// cancel func that detaches and closes it. Only the newest pending snapshot is
// kept when the reader falls behind.
func (m *ConfigManager) Subscribe(buffer int) (<-chan *Config, func()) {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	if m.subs == nil {
		m.subs = map[uint64]chan *Config{}
	}
	m.nextSub++
	id := m.nextSub
	m.subs[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for id, ch := range m.subs {
		if !offerLatest(ch, cfg) {
			m.log.Debug("config update dropped (subscriber slow)", logx.Uint64("subscriber", id))
		}
	}
}

// offerLatest sends cfg, evicting one stale snapshot if ch is full.
func offerLatest(ch chan *Config, cfg *Config) bool {
	for range 2 {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}

// hashConfig fingerprints the decoded config, so whitespace or key order
// edits do not trigger a publish.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
