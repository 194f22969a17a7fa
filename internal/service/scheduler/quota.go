package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/rakunlabs/logi"

	"github.com/cipher982/zerg/internal/config"
	"github.com/cipher982/zerg/internal/service"
)

// Quota errors map to HTTP 429 (runs, cost) and 422 (model allowlist).
var (
	ErrRunQuotaExceeded  = errors.New("daily run quota reached")
	ErrCostQuotaExceeded = errors.New("daily cost quota reached")
	ErrModelNotAllowed   = errors.New("model not allowed for non-admin owners")
)

// quotaGate enforces the daily caps before a run starts. Admins bypass
// every gate.
type quotaGate struct {
	cfg  config.Quota
	runs service.RunStorer
}

func newQuotaGate(cfg config.Quota, runs service.RunStorer) *quotaGate {
	return &quotaGate{cfg: cfg, runs: runs}
}

// check enforces run-count and cost caps for the owner. The cost gates
// log a warning at 80% and deny at 100%.
func (q *quotaGate) check(ctx context.Context, owner *service.Owner) error {
	if owner.Role == service.RoleAdmin {
		return nil
	}

	if q.cfg.DailyRunsPerUser > 0 {
		count, err := q.runs.CountRunsStartedToday(ctx, owner.ID)
		if err != nil {
			return fmt.Errorf("count runs: %w", err)
		}
		if count >= q.cfg.DailyRunsPerUser {
			return ErrRunQuotaExceeded
		}
	}

	if q.cfg.DailyCostPerUserCents > 0 {
		if err := q.checkCost(ctx, owner.ID, q.cfg.DailyCostPerUserCents, "owner"); err != nil {
			return err
		}
	}

	if q.cfg.DailyCostGlobalCents > 0 {
		if err := q.checkCost(ctx, "", q.cfg.DailyCostGlobalCents, "global"); err != nil {
			return err
		}
	}

	return nil
}

func (q *quotaGate) checkCost(ctx context.Context, ownerID string, capCents int, scope string) error {
	spent, err := q.runs.SumCostToday(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("sum cost: %w", err)
	}

	spentCents := spent * 100
	if spentCents >= float64(capCents) {
		return ErrCostQuotaExceeded
	}
	if spentCents >= float64(capCents)*0.8 {
		logi.Ctx(ctx).Warn("daily cost approaching cap",
			"scope", scope, "spent_cents", spentCents, "cap_cents", capCents)
	}

	return nil
}

// ModelAllowed enforces the non-admin model allowlist at agent
// create/update time.
func ModelAllowed(cfg config.Quota, role service.Role, model string) error {
	if role == service.RoleAdmin || len(cfg.AllowedModelsNonAdmin) == 0 {
		return nil
	}

	for _, allowed := range cfg.AllowedModelsNonAdmin {
		if allowed == model {
			return nil
		}
	}

	return ErrModelNotAllowed
}
