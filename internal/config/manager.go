package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is called after a reloaded configuration passed validation
type ChangeHandler func(old, updated Config)

// Manager owns the live configuration and reloads it when the config file
// or a .rego file in the policy directory changes.
type Manager struct {
	path      string
	policyDir string

	mu             sync.RWMutex
	current        Config
	handlers       []ChangeHandler
	policyHandlers []func() error

	watcherMu sync.Mutex
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	started   bool

	settle time.Duration
	logger *zap.Logger
}

// NewManager loads the configuration at path
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = DefaultPath
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{
		path:      path,
		policyDir: cfg.Policy.Path,
		current:   *cfg,
		settle:    50 * time.Millisecond,
		logger:    logger,
	}, nil
}

// Config returns a copy of the live configuration
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a handler for validated reloads
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// OnPolicyChange registers a handler run when a .rego file changes
func (m *Manager) OnPolicyChange(h func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policyHandlers = append(m.policyHandlers, h)
}

// Start watches the config file directory and the policy directory
func (m *Manager) Start() error {
	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()
	if m.started {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	dirs := []string{filepath.Dir(m.path)}
	if m.policyDir != "" {
		if info, err := os.Stat(m.policyDir); err == nil && info.IsDir() {
			dirs = append(dirs, m.policyDir)
		}
	}
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			_ = w.Close()
			return fmt.Errorf("failed to watch %s: %w", d, err)
		}
	}

	m.watcher = w
	m.stopCh = make(chan struct{})
	m.started = true
	go m.watchLoop(w, m.stopCh)

	m.logger.Info("Configuration watcher started",
		zap.String("config_path", m.path),
		zap.Strings("watched_dirs", dirs),
	)
	return nil
}

// Stop ends watching
func (m *Manager) Stop() error {
	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()
	if !m.started {
		return nil
	}
	close(m.stopCh)
	m.started = false
	return m.watcher.Close()
}

// Reload re-reads the config file. An invalid file keeps the live config.
func (m *Manager) Reload(action string) error {
	cfg, err := Load(m.path)
	if err != nil {
		m.logger.Error("Configuration reload rejected",
			zap.String("action", action),
			zap.Error(err),
		)
		return err
	}

	m.mu.Lock()
	old := m.current
	m.current = *cfg
	handlers := make([]ChangeHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	m.logger.Info("Configuration reloaded",
		zap.String("action", action),
		zap.Int("max_iterations", cfg.Research.MaxIterations),
		zap.Int("max_concurrency", cfg.Research.MaxConcurrency),
	)
	for _, h := range handlers {
		h(old, *cfg)
	}
	return nil
}

func (m *Manager) watchLoop(w *fsnotify.Watcher, stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()
	for {
		select {
		case <-stop:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) handleEvent(event fsnotify.Event) {
	isConfig := filepath.Clean(event.Name) == filepath.Clean(m.path)
	isPolicy := filepath.Ext(event.Name) == ".rego"
	if !isConfig && !isPolicy {
		return
	}

	var action string
	switch {
	case event.Has(fsnotify.Create):
		action = "create"
	case event.Has(fsnotify.Write):
		action = "modify"
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		action = "delete"
	default:
		return
	}

	if isConfig {
		if action == "delete" {
			m.logger.Warn("Configuration file removed, keeping last configuration", zap.String("file", event.Name))
			return
		}
		// rapid successive writes
		time.Sleep(m.settle)
		_ = m.Reload(action)
		return
	}
	m.reloadPolicies(filepath.Base(event.Name), action)
}

func (m *Manager) reloadPolicies(filename, action string) {
	m.mu.RLock()
	handlers := make([]func() error, len(m.policyHandlers))
	copy(handlers, m.policyHandlers)
	m.mu.RUnlock()

	m.logger.Info("Policy file changed, triggering reload",
		zap.String("file", filename),
		zap.String("action", action),
	)
	for _, h := range handlers {
		if err := h(); err != nil {
			m.logger.Error("Policy reload handler failed",
				zap.String("file", filename),
				zap.Error(err),
			)
		}
	}
}

// LoopChanged reports whether a reload touched the hot-reloadable loop knobs
func LoopChanged(old, updated Config) bool {
	return old.Research.MaxIterations != updated.Research.MaxIterations ||
		old.Research.MaxConcurrency != updated.Research.MaxConcurrency ||
		old.Research.MaxAttempts != updated.Research.MaxAttempts
}
