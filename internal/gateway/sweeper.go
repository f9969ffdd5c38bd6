package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweep expires open sessions past their deadline and deletes terminal
// sessions older than the retention window.
func (g *Gateway) Sweep(ctx context.Context) (expired, removed int, err error) {
	now := g.now().UTC()

	sessions, err := g.sessions.List(ctx)
	if err != nil {
		return 0, 0, err
	}

	for _, s := range sessions {
		if !s.Status.IsOpen() || !s.IsExpired(now) {
			continue
		}
		ok, err := g.expire(ctx, s.ID)
		if err != nil {
			return expired, 0, err
		}
		if ok {
			expired++
		}
	}

	removed, err = g.sessions.DeleteFinishedBefore(ctx, now.Add(-g.retention))
	if err != nil {
		return expired, 0, err
	}

	if removed > 0 {
		g.metrics.SessionsSwept.Add(ctx, int64(removed))
	}

	return expired, removed, nil
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (g *Gateway) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, removed, err := g.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Session sweep failed")
				continue
			}
			if expired > 0 || removed > 0 {
				log.Debug().Int("expired", expired).Int("removed", removed).Msg("Session sweep")
			}
		}
	}
}
