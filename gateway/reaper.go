package gateway

import (
	"context"
	"time"
)

// RunReaper sweeps dead nodes every period until ctx is cancelled
func (g *Gateway) RunReaper(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	g.logger.Debug("Reaper started", "period", period, "max_time", g.cfg.MaxTime)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := g.post(ctx, func() { g.sweep(g.now()) }); err != nil {
				return nil
			}
		}
	}
}

// Sweep evicts every node silent for longer than MaxTime and returns the
// evicted ids.
func (g *Gateway) Sweep(ctx context.Context, now time.Time) ([]string, error) {
	var evicted []string
	if err := g.call(ctx, func() { evicted = g.sweep(now) }); err != nil {
		return nil, err
	}
	return evicted, nil
}

func (g *Gateway) sweep(now time.Time) []string {
	var evicted []string
	for _, id := range g.registry.Expired(now.Add(-g.cfg.MaxTime)) {
		n, err := g.registry.NodeSnapshot(id)
		if err != nil || !g.registry.Remove(id) {
			continue
		}
		evicted = append(evicted, id)
		g.logger.Info("Removing inactive node", "uid", id, "address", n.Address,
			"silent_for", now.Sub(n.LastSeen).Round(time.Millisecond))
		if _, ok := g.adapter.(Detacher); ok {
			g.submit(deviceTask{op: opDetach, node: n})
		}
	}
	if len(evicted) > 0 {
		g.metrics.RecordEviction(len(evicted))
	}
	return evicted
}
