package assign

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"swifttrack/internal/observability"
	"swifttrack/internal/orders"
)

type Phase string

const (
	PhasePickup   Phase = "pickup"
	PhaseDelivery Phase = "delivery"
)

// Loader supplies the live per-driver load counts the assigner balances on.
type Loader interface {
	PickupLoads(ctx context.Context, drivers []string) (map[string]int, error)
	DeliveryLoads(ctx context.Context, drivers []string) (map[string]int, error)
}

// Assigner picks the least-loaded driver from a fixed roster. Ties are
// broken by roster order, so the roster slice must keep its configured
// ordering.
type Assigner struct {
	loads   Loader
	roster  []string
	logger  *zap.Logger
	metrics *observability.Metrics
}

func New(loads Loader, roster []string, logger *zap.Logger, metrics *observability.Metrics) *Assigner {
	return &Assigner{loads: loads, roster: roster, logger: logger, metrics: metrics}
}

// Pick selects a driver for the given phase. Returns ok=false when the
// roster is empty; the caller leaves the order unchanged in that case.
func (a *Assigner) Pick(ctx context.Context, phase Phase) (string, bool, error) {
	if len(a.roster) == 0 {
		a.logger.Warn("no drivers available for assignment", zap.String("phase", string(phase)))
		return "", false, nil
	}

	var counts map[string]int
	var err error
	switch phase {
	case PhasePickup:
		counts, err = a.loads.PickupLoads(ctx, a.roster)
	case PhaseDelivery:
		counts, err = a.loads.DeliveryLoads(ctx, a.roster)
	default:
		return "", false, fmt.Errorf("unknown assignment phase %q", phase)
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to compute driver loads: %w", err)
	}

	selected := a.roster[0]
	best := counts[selected]
	for _, driver := range a.roster[1:] {
		if load := counts[driver]; load < best {
			selected, best = driver, load
		}
	}

	if a.metrics != nil {
		a.metrics.OrdersAssignedTotal.WithLabelValues(string(phase), selected).Inc()
	}
	a.logger.Info("driver selected",
		zap.String("phase", string(phase)),
		zap.String("driver_id", selected),
		zap.Int("current_load", best))
	return selected, true, nil
}

var _ Loader = (*orders.Store)(nil)
