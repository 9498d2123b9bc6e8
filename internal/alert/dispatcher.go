package alert

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ppiankov/hitlwatch/internal/observability"
)

// Dispatcher fans out alert events to matching webhook configurations.
type Dispatcher struct {
	configs  []AlertConfig
	log      zerolog.Logger
	inflight sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty; a nil Dispatcher drops every event.
func NewDispatcher(configs []AlertConfig, logger *zerolog.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Dispatcher{
		configs: configs,
		log:     logger.With().Str("component", "alert").Logger(),
	}
}

// Dispatch sends the event to all webhooks whose Events list contains
// event.Type. It does not block the caller.
func (d *Dispatcher) Dispatch(event Event) {
	if d == nil {
		return
	}
	for _, cfg := range d.configs {
		if matches(cfg.Events, event) {
			d.inflight.Add(1)
			go func(cfg AlertConfig) {
				defer d.inflight.Done()
				d.deliver(cfg, event)
			}(cfg)
		}
	}
}

// DispatchSync is Dispatch but waits for every delivery. Used when the
// process is about to exit.
func (d *Dispatcher) DispatchSync(event Event) {
	if d == nil {
		return
	}
	var wg sync.WaitGroup
	for _, cfg := range d.configs {
		if !matches(cfg.Events, event) {
			continue
		}
		wg.Add(1)
		go func(cfg AlertConfig) {
			defer wg.Done()
			d.deliver(cfg, event)
		}(cfg)
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(cfg AlertConfig, event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryDeadline)
	defer cancel()
	if err := Send(ctx, cfg, event); err != nil {
		d.log.Warn().Err(err).Str("type", event.Type).Str("format", cfg.Format).Msg("alert delivery failed")
	}
}

// Wait blocks until every delivery started by Dispatch has finished or ctx
// ends. Call it before the process exits.
func (d *Dispatcher) Wait(ctx context.Context) error {
	if d == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("alert: %w waiting for deliveries", ctx.Err())
	}
}

// Len returns the number of configured webhooks.
func (d *Dispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.configs)
}

func matches(events []string, event Event) bool {
	for _, e := range events {
		if e == event.Type || e == "*" {
			return true
		}
	}
	return false
}
