package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/cipher982/zerg/internal/config"
	"github.com/cipher982/zerg/internal/service"
)

func TestRunLockMutualExclusion(t *testing.T) {
	locks := newRunLock()

	if err := locks.acquire("agt_1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := locks.acquire("agt_1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second acquire = %v, want ErrAlreadyRunning", err)
	}

	// An unrelated agent is unaffected.
	if err := locks.acquire("agt_2"); err != nil {
		t.Fatalf("other agent acquire: %v", err)
	}

	locks.release("agt_1")
	if err := locks.acquire("agt_1"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

// quotaRuns fakes the run store counters.
type quotaRuns struct {
	count      int
	ownerCost  float64
	globalCost float64
}

func (q quotaRuns) ListRuns(context.Context, string, int) ([]service.Run, error) { return nil, nil }
func (q quotaRuns) GetRun(context.Context, string) (*service.Run, error)         { return nil, nil }
func (q quotaRuns) CreateRun(_ context.Context, r service.Run) (*service.Run, error) {
	return &r, nil
}
func (q quotaRuns) MarkRunRunning(context.Context, string) error { return nil }
func (q quotaRuns) FinishRun(context.Context, string, service.RunStatus, service.RunTotals) error {
	return nil
}

func (q quotaRuns) CountRunsStartedToday(context.Context, string) (int, error) {
	return q.count, nil
}

func (q quotaRuns) SumCostToday(_ context.Context, ownerID string) (float64, error) {
	if ownerID == "" {
		return q.globalCost, nil
	}
	return q.ownerCost, nil
}

func TestQuotaRunCap(t *testing.T) {
	gate := newQuotaGate(config.Quota{DailyRunsPerUser: 5}, quotaRuns{count: 5})
	owner := &service.Owner{ID: "own_1", Role: service.RoleUser}

	if err := gate.check(context.Background(), owner); !errors.Is(err, ErrRunQuotaExceeded) {
		t.Fatalf("check = %v, want ErrRunQuotaExceeded", err)
	}

	gate = newQuotaGate(config.Quota{DailyRunsPerUser: 5}, quotaRuns{count: 4})
	if err := gate.check(context.Background(), owner); err != nil {
		t.Fatalf("check under cap: %v", err)
	}
}

func TestQuotaCostCap(t *testing.T) {
	owner := &service.Owner{ID: "own_1", Role: service.RoleUser}

	// $1.00 spent against a 100-cent cap: denied.
	gate := newQuotaGate(config.Quota{DailyCostPerUserCents: 100}, quotaRuns{ownerCost: 1.0})
	if err := gate.check(context.Background(), owner); !errors.Is(err, ErrCostQuotaExceeded) {
		t.Fatalf("check = %v, want ErrCostQuotaExceeded", err)
	}

	// Global cap applies even when the owner is under their own.
	gate = newQuotaGate(config.Quota{DailyCostGlobalCents: 500}, quotaRuns{globalCost: 6.0})
	if err := gate.check(context.Background(), owner); !errors.Is(err, ErrCostQuotaExceeded) {
		t.Fatalf("global check = %v, want ErrCostQuotaExceeded", err)
	}
}

func TestQuotaAdminBypass(t *testing.T) {
	gate := newQuotaGate(config.Quota{
		DailyRunsPerUser:      1,
		DailyCostPerUserCents: 1,
	}, quotaRuns{count: 100, ownerCost: 100})

	admin := &service.Owner{ID: "own_admin", Role: service.RoleAdmin}
	if err := gate.check(context.Background(), admin); err != nil {
		t.Fatalf("admin should bypass caps: %v", err)
	}
}

func TestModelAllowed(t *testing.T) {
	cfg := config.Quota{AllowedModelsNonAdmin: []string{"gpt-4o-mini"}}

	if err := ModelAllowed(cfg, service.RoleUser, "gpt-4o-mini"); err != nil {
		t.Fatalf("allowed model rejected: %v", err)
	}
	if err := ModelAllowed(cfg, service.RoleUser, "gpt-4o"); !errors.Is(err, ErrModelNotAllowed) {
		t.Fatalf("disallowed model = %v, want ErrModelNotAllowed", err)
	}
	if err := ModelAllowed(cfg, service.RoleAdmin, "gpt-4o"); err != nil {
		t.Fatalf("admin should bypass the allowlist: %v", err)
	}
	if err := ModelAllowed(config.Quota{}, service.RoleUser, "anything"); err != nil {
		t.Fatalf("empty allowlist means no restriction: %v", err)
	}
}

func TestValidateCron(t *testing.T) {
	if err := ValidateCron(""); err != nil {
		t.Fatalf("empty spec disables scheduling: %v", err)
	}
	if err := ValidateCron("*/5 * * * *"); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
	if err := ValidateCron("not a cron"); err == nil {
		t.Fatal("invalid spec must be rejected")
	}
}
