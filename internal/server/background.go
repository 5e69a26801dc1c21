package server

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"payline/internal/engine"
	"payline/internal/observability"
)

// StartBackground runs the workers that accompany the API: the webhook
// dispatcher when hooks are configured and the stale-claim sweeper when a
// sweep interval is set. Both stop when ctx is done.
func StartBackground(ctx context.Context, cfg Config) {
	obs := cfg.Obs
	if obs == nil {
		obs = observability.MakeWithOutput("info", "text", io.Discard)
	}
	e := cfg.Engine
	if e.Config == nil {
		return
	}
	if len(e.Config.Webhooks) > 0 {
		go newWebhookDispatcher(e, e.Config.Webhooks, obs.Log()).run(ctx)
	}
	if interval := e.Config.Missions.SweepInterval; interval > 0 {
		s := &claimSweeper{
			engine:   e,
			interval: interval,
			log:      obs.Log().WithField("component", "sweeper"),
			metrics:  observability.MakeLedgerMetrics(obs),
		}
		go s.run(ctx)
	}
}

// claimSweeper returns stale mission claims to the pool on a timer. Reads
// expire claims lazily as well; the sweeper keeps the pool accurate when
// nobody is reading.
type claimSweeper struct {
	engine   engine.Engine
	interval time.Duration
	log      logrus.FieldLogger
	metrics  *observability.LedgerMetrics
}

func (s *claimSweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *claimSweeper) sweep(ctx context.Context) int {
	expired, err := s.engine.ExpireStaleClaims(ctx)
	if err != nil {
		s.log.WithError(err).Warn("expire stale claims")
		return 0
	}
	for _, c := range expired {
		s.metrics.Missions.WithLabelValues("expired").Inc()
		s.log.WithFields(logrus.Fields{
			"mission_id": c.MissionID,
			"member_id":  c.MemberID,
			"claimed_at": c.ClaimedAt,
		}).Info("claim expired")
	}
	return len(expired)
}
