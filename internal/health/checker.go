// Package health probes the components the audit service depends on and
// keeps their current status for /healthz.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/banking-audit-ledger/anchor/internal/alert"
)

// Component statuses.
const (
	StatusUnknown  = "unknown"
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Pinger is anything that can report its own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Component is one named dependency to probe.
type Component struct {
	Name  string
	Probe Pinger
}

// AlertFunc is an optional callback for dispatching degraded and recovered
// events.
type AlertFunc func(ctx context.Context, eventType string, fields map[string]string)

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(component string, success bool)

// ComponentStatus is the last known state of a component.
type ComponentStatus struct {
	Status              string    `json:"status"`
	LastCheckedAt       time.Time `json:"last_checked_at,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Report is the body of /healthz.
type Report struct {
	Status    string                     `json:"status"`
	Timestamp time.Time                  `json:"timestamp"`
	Services  map[string]ComponentStatus `json:"services"`
}

// Checker runs periodic component probes.
type Checker struct {
	components []Component
	mu         sync.Mutex
	state      map[string]*ComponentStatus
	cfg        Config
	onAlert    AlertFunc
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// New creates a Checker for the given components.
func New(cfg Config, logger *zap.Logger, components ...Component) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 15 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	state := make(map[string]*ComponentStatus, len(components))
	for _, c := range components {
		state[c.Name] = &ComponentStatus{Status: StatusUnknown}
	}
	return &Checker{
		components: components,
		state:      state,
		cfg:        cfg,
		logger:     logger,
	}
}

// SetAlertDispatch configures the alert callback.
func (h *Checker) SetAlertDispatch(fn AlertFunc) {
	h.onAlert = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Run probes immediately and then on every interval until ctx is done.
func (h *Checker) Run(ctx context.Context) {
	h.CheckAll(ctx)

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll probes every component concurrently and waits for all probes.
func (h *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range h.components {
		wg.Add(1)
		go func(c Component) {
			defer wg.Done()
			h.check(ctx, c)
		}(c)
	}
	wg.Wait()
}

func (h *Checker) check(ctx context.Context, c Component) {
	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	err := c.Probe.Ping(probeCtx)
	cancel()
	success := err == nil

	if h.onMetrics != nil {
		h.onMetrics(c.Name, success)
	}

	h.mu.Lock()
	st := h.state[c.Name]
	prevCount := st.ConsecutiveFailures
	st.LastCheckedAt = time.Now().UTC()
	if success {
		st.ConsecutiveFailures = 0
		st.LastError = ""
		st.Status = StatusHealthy
	} else {
		st.ConsecutiveFailures++
		st.LastError = err.Error()
		if st.ConsecutiveFailures >= h.cfg.FailThreshold {
			st.Status = StatusDegraded
		} else if st.Status == StatusUnknown {
			st.Status = StatusHealthy
		}
	}
	count := st.ConsecutiveFailures
	h.mu.Unlock()

	switch {
	case success && prevCount >= h.cfg.FailThreshold:
		// Transition: degraded → healthy
		h.logger.Info("health: recovered", zap.String("component", c.Name))
		h.alert(ctx, alert.EventComponentRecovered, map[string]string{"component": c.Name})
	case !success && count == h.cfg.FailThreshold:
		// Transition: healthy → degraded (exactly at threshold)
		h.logger.Warn("health: degraded",
			zap.String("component", c.Name),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
		h.alert(ctx, alert.EventComponentDegraded, map[string]string{
			"component": c.Name,
			"error":     err.Error(),
		})
	case !success:
		h.logger.Debug("health: probe failed", zap.String("component", c.Name), zap.Error(err))
	}
}

func (h *Checker) alert(ctx context.Context, eventType string, fields map[string]string) {
	if h.onAlert != nil {
		h.onAlert(ctx, eventType, fields)
	}
}

// Snapshot returns the current report. The overall status is "ok" unless a
// component is degraded.
func (h *Checker) Snapshot() Report {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := Report{Status: "ok", Timestamp: time.Now().UTC(), Services: make(map[string]ComponentStatus, len(h.state))}
	for name, st := range h.state {
		r.Services[name] = *st
		if st.Status == StatusDegraded {
			r.Status = StatusDegraded
		}
	}
	return r
}
