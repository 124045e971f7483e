package server

import (
	"context"
	"time"
)

// checkViolations warns when a client has been rejected by the validator
// more often than the hourly threshold allows.
func (s *Server) checkViolations(ctx context.Context, client string) {
	mon := s.cfg.Monitoring
	if !mon.AlertOnViolations || mon.MaxViolationsPerHour <= 0 {
		return
	}

	n, err := s.store.CountViolations(ctx, client, time.Now().Add(-time.Hour))
	if err != nil {
		s.logger.Error("failed to count violations", "client", client, "error", err)
		return
	}
	if n > mon.MaxViolationsPerHour {
		s.metrics.IncViolationAlerts()
		s.logger.Warn("security violation threshold exceeded",
			"client", client, "violations_last_hour", n, "threshold", mon.MaxViolationsPerHour)
	}
}
