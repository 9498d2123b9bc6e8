package cli

import (
	"github.com/rs/zerolog"

	"github.com/ppiankov/hitlwatch/internal/alert"
	"github.com/ppiankov/hitlwatch/internal/config"
	"github.com/ppiankov/hitlwatch/internal/console"
	"github.com/ppiankov/hitlwatch/internal/observability"
)

// applyReload swaps the settings that can change under a running session.
// Transport and ledger settings take effect on the next run.
func applyReload(c *console.Console, next *config.Config, log *zerolog.Logger) {
	level := observability.SetLevel(next.Log.Level)
	c.SetAlerts(alert.NewDispatcher(next.Alerts, log))
	c.SetStaleAfter(next.Registry.StaleProcessingAfter)

	log.Info().
		Str("log_level", level.String()).
		Int("alert_webhooks", len(next.Alerts)).
		Dur("stale_processing_after", next.Registry.StaleProcessingAfter).
		Msg("config reloaded")

	if next.PeerURL != cfg.PeerURL || next.Ledger != cfg.Ledger || next.Transport != cfg.Transport {
		log.Warn().Msg("transport and ledger changes apply on restart")
	}
}
