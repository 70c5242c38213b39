// Package health probes the backends chaind depends on and keeps a
// per-component status for the readiness endpoint.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

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

// Probe checks one backend. Check returns nil when the backend answers.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(component string, healthy bool)

// Component is the last known state of one probe.
type Component struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	FailCount int       `json:"fail_count"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report is a snapshot of every component. Ready is false while any
// component is unknown or degraded.
type Report struct {
	Ready      bool        `json:"ready"`
	Components []Component `json:"components"`
}

// Checker runs periodic backend probes.
type Checker struct {
	probes    []Probe
	mu        sync.Mutex
	state     map[string]*Component
	cfg       Config
	onMetrics MetricsRecordFunc
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a new Checker.
func New(probes []Probe, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	state := make(map[string]*Component, len(probes))
	for _, p := range probes {
		state[p.Name] = &Component{Name: p.Name, Status: StatusUnknown}
	}
	return &Checker{
		probes: probes,
		state:  state,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the check loop until ctx is done.
func (h *Checker) Start(ctx context.Context) {
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

// CheckAll runs every probe once, concurrently, each bounded by ProbeTimeout.
func (h *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range h.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := p.Check(probeCtx)
			cancel()
			h.record(p.Name, err)
		}(p)
	}
	wg.Wait()
}

func (h *Checker) record(name string, err error) {
	if h.onMetrics != nil {
		h.onMetrics(name, err == nil)
	}

	h.mu.Lock()
	c := h.state[name]
	prev := c.Status
	c.CheckedAt = h.now().UTC()
	if err == nil {
		c.FailCount = 0
		c.LastError = ""
		c.Status = StatusHealthy
	} else {
		c.FailCount++
		c.LastError = err.Error()
		// A backend that never answered is degraded at once; one that was
		// healthy gets FailThreshold tries.
		if prev == StatusUnknown || c.FailCount >= h.cfg.FailThreshold {
			c.Status = StatusDegraded
		}
	}
	status, count := c.Status, c.FailCount
	h.mu.Unlock()

	switch {
	case status == StatusHealthy && prev == StatusDegraded:
		h.logger.Info("health: recovered", zap.String("component", name))
	case status == StatusDegraded && prev != StatusDegraded:
		h.logger.Warn("health: degraded",
			zap.String("component", name),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
	}
}

// Report returns the current status of every component, sorted by name.
func (h *Checker) Report() Report {
	h.mu.Lock()
	defer h.mu.Unlock()

	rep := Report{Ready: true, Components: make([]Component, 0, len(h.state))}
	for _, c := range h.state {
		rep.Components = append(rep.Components, *c)
		if c.Status != StatusHealthy {
			rep.Ready = false
		}
	}
	sort.Slice(rep.Components, func(i, j int) bool {
		return rep.Components[i].Name < rep.Components[j].Name
	})
	return rep
}
