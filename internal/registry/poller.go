package registry

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is how often the poller checks for expired requests.
const DefaultPollInterval = time.Second

// Poller periodically clears expired requests and stale processing entries
// and hands the ids to its callbacks.
type Poller struct {
	reg        *Registry
	interval   time.Duration
	staleAfter atomic.Int64

	// OnExpired receives ids removed by ClearExpired, in expiry order.
	OnExpired func(ids []string, now time.Time)
	// OnStale receives ids dropped by CleanupStaleProcessing.
	OnStale func(ids []string)
}

// NewPoller creates a poller. A zero staleAfter disables stale cleanup.
func NewPoller(reg *Registry, interval, staleAfter time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p := &Poller{reg: reg, interval: interval}
	p.staleAfter.Store(int64(staleAfter))
	return p
}

// SetStaleAfter changes the stale-processing age at runtime.
func (p *Poller) SetStaleAfter(d time.Duration) {
	p.staleAfter.Store(int64(d))
}

// StaleAfter returns the current stale-processing age.
func (p *Poller) StaleAfter() time.Duration {
	return time.Duration(p.staleAfter.Load())
}

// Run polls until ctx is cancelled. The ticker is stopped on return.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll()
		}
	}
}

// Poll performs one sweep using the registry clock.
func (p *Poller) Poll() {
	now := p.reg.Now()
	if ids := p.reg.ClearExpired(now); len(ids) > 0 && p.OnExpired != nil {
		p.OnExpired(ids, now)
	}
	if age := p.StaleAfter(); age > 0 {
		if ids := p.reg.CleanupStaleProcessing(age); len(ids) > 0 && p.OnStale != nil {
			p.OnStale(ids)
		}
	}
}
