package core

// deletion.go guards soft deletes of entities removed from the sheet.
//
// A delete candidate goes through two checks:
//  1. Plan, during the cycle: validate each key and apply the per-run cap
//     before any delete operation is enqueued
//  2. Execute, from the queue: validate again (the row may have changed
//     since planning), then hand the store one transaction that writes the
//     audit record and soft-deletes the entity with its children
//
// Blocked entities are reported, never force-deleted. A key that is already
// gone is a successful no-op, so retries never write a second audit record.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// SkipReason explains why a delete candidate was not deleted.
type SkipReason string

const (
	SkipActiveContract SkipReason = "active_contract"
	SkipRecentActivity SkipReason = "recent_activity"
	SkipCapReached     SkipReason = "max_per_sync_reached"
	SkipLookupFailed   SkipReason = "lookup_failed"
	SkipDisabled       SkipReason = "deletion_disabled"
)

// DeletionConfig configures deletion sync.
type DeletionConfig struct {
	Enabled            bool
	StrictMode         bool // recent activity blocks instead of warning
	RecentActivityDays int
	MaxPerSync         int
	DeletedBy          string
}

// SkippedDeletion is a delete candidate left in place.
type SkippedDeletion struct {
	Key    string     `json:"key"`
	Reason SkipReason `json:"reason"`
	Detail string     `json:"detail,omitempty"`
}

// DeletionPlan is the outcome of validating one entity's delete candidates.
type DeletionPlan struct {
	Approved []string          `json:"approved"`
	Skipped  []SkippedDeletion `json:"skipped,omitempty"`
}

// DeletionCheck is the validation verdict for one key.
type DeletionCheck struct {
	Gone     bool // missing or already soft-deleted
	Allowed  bool
	Reason   SkipReason
	Detail   string
	Warnings []string
}

const deletionRunHistory = 16

// DeletionService validates and executes soft deletes.
type DeletionService struct {
	store    DeletionStore
	registry *Registry
	cfg      DeletionConfig
	clock    Clock

	mu       sync.Mutex
	planned  map[string]int
	executed map[string]int
	runs     []string
}

// NewDeletionService creates a deletion service.
func NewDeletionService(store DeletionStore, registry *Registry, cfg DeletionConfig, clock Clock) *DeletionService {
	if cfg.DeletedBy == "" {
		cfg.DeletedBy = "sheetsync"
	}
	return &DeletionService{
		store:    store,
		registry: registry,
		cfg:      cfg,
		clock:    clockOrDefault(clock),
		planned:  make(map[string]int),
		executed: make(map[string]int),
	}
}

// Config returns the active configuration.
func (s *DeletionService) Config() DeletionConfig { return s.cfg }

// BeginRun starts per-run accounting for runID. Counters of old runs are
// kept for a while so late retries of their deletes still see their cap.
func (s *DeletionService) BeginRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.planned[runID]; ok {
		return
	}
	s.planned[runID] = 0
	s.executed[runID] = 0
	s.runs = append(s.runs, runID)

	for len(s.runs) > deletionRunHistory {
		old := s.runs[0]
		s.runs = s.runs[1:]
		delete(s.planned, old)
		delete(s.executed, old)
	}
}

// Check validates one key against the business rules. The live children a
// delete would cascade to are held to the same rules: a protected child
// blocks its parent.
func (s *DeletionService) Check(ctx context.Context, def EntityDefinition, key string) (DeletionCheck, error) {
	status, err := s.store.EntityStatus(ctx, def, key)
	if err != nil {
		return DeletionCheck{}, fmt.Errorf("entity status %s/%s: %w", def.Name, key, err)
	}
	if !status.Exists || status.Deleted {
		return DeletionCheck{Gone: true}, nil
	}

	check := s.checkRules(def, status)
	if !check.Allowed {
		return check, nil
	}

	if s.registry == nil {
		return check, nil
	}
	for _, child := range s.registry.Children(def.Name) {
		keys, err := s.store.LiveChildKeys(ctx, child, key)
		if err != nil {
			return DeletionCheck{}, fmt.Errorf("children of %s/%s: %w", def.Name, key, err)
		}
		for _, childKey := range keys {
			cs, err := s.store.EntityStatus(ctx, child.Entity, childKey)
			if err != nil {
				return DeletionCheck{}, fmt.Errorf("entity status %s/%s: %w", child.Entity.Name, childKey, err)
			}
			if !cs.Exists || cs.Deleted {
				continue
			}
			cc := s.checkRules(child.Entity, cs)
			if !cc.Allowed {
				return DeletionCheck{
					Reason: cc.Reason,
					Detail: fmt.Sprintf("child %s %s: %s", child.Entity.Name, childKey, cc.Detail),
				}, nil
			}
			for _, w := range cc.Warnings {
				check.Warnings = append(check.Warnings, fmt.Sprintf("child %s %s: %s", child.Entity.Name, childKey, w))
			}
		}
	}

	return check, nil
}

// checkRules applies the contract and recent-activity rules to one live row.
func (s *DeletionService) checkRules(def EntityDefinition, status EntityStatus) DeletionCheck {
	if def.HasActiveContract(status.ContractStatus) {
		return DeletionCheck{
			Reason: SkipActiveContract,
			Detail: fmt.Sprintf("%s is %q", def.ContractColumn, status.ContractStatus),
		}
	}

	check := DeletionCheck{Allowed: true}

	if def.ActivityColumn != "" && status.LastActivity != nil && s.cfg.RecentActivityDays > 0 {
		window := time.Duration(s.cfg.RecentActivityDays) * 24 * time.Hour
		if age := s.clock.Now().Sub(*status.LastActivity); age < window {
			detail := fmt.Sprintf("%s %s is within %d days",
				def.ActivityColumn, status.LastActivity.Format("2006-01-02"), s.cfg.RecentActivityDays)
			if s.cfg.StrictMode {
				return DeletionCheck{Reason: SkipRecentActivity, Detail: detail}
			}
			check.Warnings = append(check.Warnings, detail)
		}
	}
	return check
}

// Plan validates delete candidates for one entity in run runID and approves
// as many as the run's remaining budget allows, in key order.
func (s *DeletionService) Plan(ctx context.Context, runID string, def EntityDefinition, keys []string) DeletionPlan {
	var plan DeletionPlan
	if len(keys) == 0 {
		return plan
	}

	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	if !s.cfg.Enabled {
		for _, k := range sorted {
			plan.Skipped = append(plan.Skipped, SkippedDeletion{Key: k, Reason: SkipDisabled})
		}
		return plan
	}

	for _, key := range sorted {
		check, err := s.Check(ctx, def, key)
		if err != nil {
			plan.Skipped = append(plan.Skipped, SkippedDeletion{Key: key, Reason: SkipLookupFailed, Detail: err.Error()})
			continue
		}
		if check.Gone {
			continue
		}
		if !check.Allowed {
			plan.Skipped = append(plan.Skipped, SkippedDeletion{Key: key, Reason: check.Reason, Detail: check.Detail})
			continue
		}
		if !s.reserve(s.planned, runID) {
			plan.Skipped = append(plan.Skipped, SkippedDeletion{
				Key:    key,
				Reason: SkipCapReached,
				Detail: fmt.Sprintf("limit of %d deletions per sync", s.cfg.MaxPerSync),
			})
			continue
		}
		plan.Approved = append(plan.Approved, key)
	}

	if len(plan.Skipped) > 0 {
		slog.Warn("deletions skipped",
			"run_id", runID,
			"entity", def.Name,
			"skipped", len(plan.Skipped),
			"approved", len(plan.Approved),
		)
	}
	return plan
}

// Execute re-validates and performs one approved deletion.
func (s *DeletionService) Execute(ctx context.Context, runID string, def EntityDefinition, key string) error {
	if !s.cfg.Enabled {
		return NewValidationError("deletion sync is disabled", nil)
	}

	check, err := s.Check(ctx, def, key)
	if err != nil {
		return err
	}
	if check.Gone {
		slog.Info("deletion skipped, entity already gone", "entity", def.Name, "entity_key", key)
		return nil
	}
	if !check.Allowed {
		ve := NewValidationError("deletion blocked", map[string]string{string(check.Reason): check.Detail})
		ve.WithDetail("entity_key", key)
		return ve
	}

	if !s.reserve(s.executed, runID) {
		ve := NewValidationError("deletion cap reached", map[string]string{
			string(SkipCapReached): fmt.Sprintf("limit of %d deletions per sync", s.cfg.MaxPerSync),
		})
		ve.WithDetail("entity_key", key)
		return ve
	}

	req := DeletionRequest{
		Entity:    def,
		Key:       key,
		DeletedAt: s.clock.Now().UTC(),
		DeletedBy: s.cfg.DeletedBy,
		Reason:    "removed from sheet",
		RunID:     runID,
		Warnings:  check.Warnings,
	}
	if s.registry != nil {
		req.Children = s.registry.Children(def.Name)
	}

	audit, err := s.store.SoftDelete(ctx, req)
	if err != nil {
		s.release(s.executed, runID)
		if errors.Is(err, ErrEntityNotFound) {
			return nil
		}
		return err
	}

	slog.Info("entity soft-deleted",
		"run_id", runID,
		"entity", def.Name,
		"entity_key", key,
		"audit_id", audit.ID,
		"cascaded", len(audit.CascadedKeys),
		"can_recover", audit.CanRecover,
	)
	return nil
}

// Executed returns how many deletions ran under runID.
func (s *DeletionService) Executed(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executed[runID]
}

func (s *DeletionService) reserve(counts map[string]int, runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if counts[runID] >= s.cfg.MaxPerSync {
		return false
	}
	counts[runID]++
	return true
}

func (s *DeletionService) release(counts map[string]int, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if counts[runID] > 0 {
		counts[runID]--
	}
}
