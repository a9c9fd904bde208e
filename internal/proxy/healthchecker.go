package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nulpointcorp/modelgate/internal/routing"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second

	statusOK       = "ok"
	statusDegraded = "degraded"
	statusDown     = "down"
	statusUnknown  = "unknown"
)

// Probe checks one dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

// HealthConfig lists the probes. Database gates readiness; Cache failures
// only degrade the reported status because the gateway keeps serving
// without its shared store.
type HealthConfig struct {
	Database Probe
	Cache    Probe
	Resolver *routing.Resolver
	Breaker  *routing.Breaker
	Interval time.Duration
}

type componentStatus struct {
	mu     sync.RWMutex
	status string
	err    string
}

func (s *componentStatus) set(err error, onFail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.status, s.err = onFail, err.Error()
		return
	}
	s.status, s.err = statusOK, ""
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return statusUnknown
	}
	return s.status
}

// HealthChecker probes dependencies in the background and serves the
// latest results.
type HealthChecker struct {
	cfg     HealthConfig
	baseCtx context.Context

	database componentStatus
	cache    componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker runs one probe round synchronously, then keeps probing
// until Close.
func NewHealthChecker(ctx context.Context, cfg HealthConfig) (*HealthChecker, error) {
	if ctx == nil {
		return nil, fmt.Errorf("healthchecker: context must not be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = healthProbeInterval
	}
	hc := &HealthChecker{
		cfg:       cfg,
		baseCtx:   ctx,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc, nil
}

// HealthSnapshot is the /health document.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Database      string            `json:"database"`
	Cache         string            `json:"cache"`
	Providers     int               `json:"providers"`
	Groups        int               `json:"groups"`
	SnapshotAt    *time.Time        `json:"snapshot_loaded_at,omitempty"`
	Breakers      map[string]string `json:"circuit_breakers,omitempty"`
}

func (hc *HealthChecker) Snapshot() HealthSnapshot {
	out := HealthSnapshot{
		Status:        statusOK,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Database:      hc.database.get(),
		Cache:         hc.cache.get(),
	}
	if out.Database != statusOK || out.Cache != statusOK {
		out.Status = statusDegraded
	}

	if hc.cfg.Resolver != nil {
		if snap := hc.cfg.Resolver.Snapshot(); snap != nil {
			out.Providers = len(snap.Providers)
			out.Groups = len(snap.Groups)
			at := snap.LoadedAt
			out.SnapshotAt = &at
		} else {
			out.Status = statusDegraded
		}
	}

	if hc.cfg.Breaker != nil {
		out.Breakers = hc.cfg.Breaker.States()
		for _, st := range out.Breakers {
			if st != routing.StateClosed.String() {
				out.Status = statusDegraded
				break
			}
		}
	}
	return out
}

// ReadinessOK reports whether the database answered the last probe.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.database.get() == statusOK
}

// Close stops the probe loop. Safe to call more than once.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	check := func(p Probe, s *componentStatus, onFail string) {
		defer wg.Done()
		if p == nil {
			s.set(nil, onFail)
			return
		}
		s.set(p(ctx), onFail)
	}

	wg.Add(2)
	go check(hc.cfg.Database, &hc.database, statusDown)
	go check(hc.cfg.Cache, &hc.cache, statusDegraded)
	wg.Wait()
}
