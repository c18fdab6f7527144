// Package health runs periodic scans over registered components, restarts
// the ones that report unhealthy, and escalates alerts as failures persist.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/churnguard/eventcore/errors"
	"github.com/churnguard/eventcore/metric"
)

// AlertLevel orders alert severity.
type AlertLevel int

// Alert levels. A component escalates from warning to critical as consecutive
// failures accumulate, and emits a recovery alert when it turns healthy.
const (
	LevelHealthy AlertLevel = iota
	LevelWarning
	LevelCritical
)

// String returns the string representation of AlertLevel
func (l AlertLevel) String() string {
	switch l {
	case LevelHealthy:
		return "healthy"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Alert describes one escalation or recovery.
type Alert struct {
	Component string
	Level     AlertLevel
	Failures  int
	Err       error
	Timestamp time.Time
}

// AlertFunc receives alerts. Called from the scan goroutine; keep it fast.
type AlertFunc func(Alert)

// Target is one monitored component. Check returns nil when healthy. Restart
// may be nil for components the monitor cannot restart.
type Target struct {
	Name    string
	Check   func() error
	Restart func() error
}

// Config tunes the monitor.
type Config struct {
	ScanInterval  time.Duration `yaml:"scan_interval"`
	WarnAfter     int           `yaml:"warn_after"`
	CriticalAfter int           `yaml:"critical_after"`
}

// DefaultConfig returns the standard monitor tuning: scan every 30 seconds,
// warn on the first consecutive failure, go critical on the third.
func DefaultConfig() Config {
	return Config{
		ScanInterval:  30 * time.Second,
		WarnAfter:     1,
		CriticalAfter: 3,
	}
}

// TargetStatus is the current view of one monitored component.
type TargetStatus struct {
	Name             string     `json:"name"`
	Healthy          bool       `json:"healthy"`
	Level            AlertLevel `json:"-"`
	LevelName        string     `json:"level"`
	ConsecutiveFails int        `json:"consecutive_failures"`
	LastError        string     `json:"last_error,omitempty"`
	LastChecked      time.Time  `json:"last_checked"`
	Restarts         int64      `json:"restarts"`
}

type targetState struct {
	target   Target
	fails    int
	level    AlertLevel
	lastErr  error
	checked  time.Time
	restarts int64
}

// Monitor owns the scan loop.
type Monitor struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Registry
	alertFn AlertFunc

	mu      sync.Mutex
	targets map[string]*targetState
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor. alertFn may be nil; alerts are always logged.
func NewMonitor(cfg Config, logger *slog.Logger, metrics *metric.Registry, alertFn AlertFunc) *Monitor {
	def := DefaultConfig()
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = def.WarnAfter
	}
	if cfg.CriticalAfter <= cfg.WarnAfter {
		cfg.CriticalAfter = cfg.WarnAfter + 3
	}
	if logger == nil {
		logger = slog.Default().With("component", "health-monitor")
	}

	return &Monitor{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		alertFn: alertFn,
		targets: make(map[string]*targetState),
	}
}

// Register adds a component to the scan set. Registering an existing name
// replaces its target and resets its failure history.
func (m *Monitor) Register(t Target) {
	m.mu.Lock()
	m.targets[t.Name] = &targetState{target: t}
	m.mu.Unlock()
}

// Unregister removes a component from the scan set.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	delete(m.targets, name)
	m.mu.Unlock()
}

// Start launches the scan loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.ErrAlreadyStarted
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.started = true

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop halts the scan loop.
func (m *Monitor) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.cancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return errors.ErrStopTimeout
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scan()
		}
	}
}

// Scan checks every registered target once. Exposed for tests and for
// on-demand scans from the admin surface.
func (m *Monitor) Scan() {
	m.mu.Lock()
	states := make([]*targetState, 0, len(m.targets))
	for _, s := range m.targets {
		states = append(states, s)
	}
	m.mu.Unlock()

	for _, s := range states {
		m.check(s)
	}
}

func (m *Monitor) check(s *targetState) {
	err := s.target.Check()

	m.mu.Lock()
	s.checked = time.Now().UTC()
	s.lastErr = err

	if err == nil {
		recovered := s.level > LevelHealthy
		s.fails = 0
		s.level = LevelHealthy
		m.mu.Unlock()

		m.setHealthGauge(s.target.Name, 1)
		if recovered {
			m.alert(Alert{Component: s.target.Name, Level: LevelHealthy, Timestamp: time.Now().UTC()})
		}
		return
	}

	s.fails++
	level := LevelHealthy
	if s.fails >= m.cfg.CriticalAfter {
		level = LevelCritical
	} else if s.fails >= m.cfg.WarnAfter {
		level = LevelWarning
	}
	escalated := level > s.level
	s.level = level
	fails := s.fails
	restart := s.target.Restart
	m.mu.Unlock()

	m.setHealthGauge(s.target.Name, 0)
	m.logger.Warn("health check failed",
		"component", s.target.Name, "consecutive_failures", fails, "error", err)

	if escalated {
		m.alert(Alert{
			Component: s.target.Name,
			Level:     level,
			Failures:  fails,
			Err:       err,
			Timestamp: time.Now().UTC(),
		})
	}

	if restart != nil {
		m.restart(s)
	}
}

func (m *Monitor) restart(s *targetState) {
	name := s.target.Name
	if err := s.target.Restart(); err != nil {
		m.logger.Error("component restart failed", "component", name, "error", err)
		return
	}

	m.mu.Lock()
	s.restarts++
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Core.ComponentRestarts.WithLabelValues(name).Inc()
	}
	m.logger.Info("component restarted", "component", name)
}

func (m *Monitor) alert(a Alert) {
	if a.Level == LevelHealthy {
		m.logger.Info("component recovered", "component", a.Component)
	} else {
		m.logger.Warn("health alert",
			"component", a.Component, "level", a.Level.String(),
			"consecutive_failures", a.Failures, "error", a.Err)
	}
	if m.alertFn != nil {
		m.alertFn(a)
	}
}

func (m *Monitor) setHealthGauge(name string, v float64) {
	if m.metrics != nil {
		m.metrics.Core.ComponentHealth.WithLabelValues(name).Set(v)
	}
}

// Statuses returns the current view of every monitored component.
func (m *Monitor) Statuses() []TargetStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TargetStatus, 0, len(m.targets))
	for name, s := range m.targets {
		st := TargetStatus{
			Name:             name,
			Healthy:          s.fails == 0,
			Level:            s.level,
			LevelName:        s.level.String(),
			ConsecutiveFails: s.fails,
			LastChecked:      s.checked,
			Restarts:         s.restarts,
		}
		if s.lastErr != nil {
			st.LastError = s.lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}

// Healthy reports whether every monitored component passed its last check.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.targets {
		if s.fails > 0 {
			return false
		}
	}
	return true
}
