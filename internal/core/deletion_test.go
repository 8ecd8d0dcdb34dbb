package core

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(sellerDef(), propertyDef())
	if err != nil {
		t.Fatalf("NewRegistry error = %v", err)
	}
	return reg
}

func newTestDeletions(t *testing.T, store *memStore, clock Clock, cfg DeletionConfig) *DeletionService {
	t.Helper()
	return NewDeletionService(store, newTestRegistry(t), cfg, clock)
}

func enabledDeletion() DeletionConfig {
	return DeletionConfig{Enabled: true, RecentActivityDays: 7, MaxPerSync: 10}
}

func TestDeletionService_Plan(t *testing.T) {
	clock := newFakeClock()
	recent := clock.Now().Add(-48 * time.Hour)
	old := clock.Now().Add(-30 * 24 * time.Hour)

	tests := []struct {
		name         string
		cfg          DeletionConfig
		setup        func(*memStore)
		keys         []string
		wantApproved []string
		wantSkipped  map[string]SkipReason
	}{
		{
			name: "plain delete",
			cfg:  enabledDeletion(),
			setup: func(m *memStore) {
				m.put("seller", "S1", map[string]string{"name": "Ann"})
			},
			keys:         []string{"S1"},
			wantApproved: []string{"S1"},
		},
		{
			name: "active contract blocks",
			cfg:  enabledDeletion(),
			setup: func(m *memStore) {
				m.put("seller", "S1", nil).contract = "Active"
				m.put("seller", "S2", nil).contract = "closed"
			},
			keys:         []string{"S1", "S2"},
			wantApproved: []string{"S2"},
			wantSkipped:  map[string]SkipReason{"S1": SkipActiveContract},
		},
		{
			name: "recent activity blocks in strict mode",
			cfg:  DeletionConfig{Enabled: true, StrictMode: true, RecentActivityDays: 7, MaxPerSync: 10},
			setup: func(m *memStore) {
				m.put("seller", "S1", nil).activity = &recent
				m.put("seller", "S2", nil).activity = &old
			},
			keys:         []string{"S1", "S2"},
			wantApproved: []string{"S2"},
			wantSkipped:  map[string]SkipReason{"S1": SkipRecentActivity},
		},
		{
			name: "recent activity only warns outside strict mode",
			cfg:  enabledDeletion(),
			setup: func(m *memStore) {
				m.put("seller", "S1", nil).activity = &recent
			},
			keys:         []string{"S1"},
			wantApproved: []string{"S1"},
		},
		{
			name: "cap approves in key order",
			cfg:  DeletionConfig{Enabled: true, MaxPerSync: 2},
			setup: func(m *memStore) {
				for _, k := range []string{"S3", "S1", "S2"} {
					m.put("seller", k, nil)
				}
			},
			keys:         []string{"S3", "S2", "S1"},
			wantApproved: []string{"S1", "S2"},
			wantSkipped:  map[string]SkipReason{"S3": SkipCapReached},
		},
		{
			name: "missing and already deleted keys are dropped",
			cfg:  enabledDeletion(),
			setup: func(m *memStore) {
				m.put("seller", "S1", nil).deleted = true
			},
			keys: []string{"S1", "S9"},
		},
		{
			name: "disabled skips everything",
			cfg:  DeletionConfig{Enabled: false, MaxPerSync: 10},
			setup: func(m *memStore) {
				m.put("seller", "S1", nil)
			},
			keys:        []string{"S1"},
			wantSkipped: map[string]SkipReason{"S1": SkipDisabled},
		},
		{
			name: "zero cap approves nothing",
			cfg:  DeletionConfig{Enabled: true, MaxPerSync: 0},
			setup: func(m *memStore) {
				m.put("seller", "S1", nil)
			},
			keys:        []string{"S1"},
			wantSkipped: map[string]SkipReason{"S1": SkipCapReached},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			tt.setup(store)
			svc := newTestDeletions(t, store, clock, tt.cfg)
			svc.BeginRun("run-1")

			plan := svc.Plan(context.Background(), "run-1", sellerDef(), tt.keys)

			if !sameKeys(plan.Approved, tt.wantApproved) {
				t.Errorf("Approved = %v, want %v", plan.Approved, tt.wantApproved)
			}
			gotSkipped := make(map[string]SkipReason, len(plan.Skipped))
			for _, s := range plan.Skipped {
				gotSkipped[s.Key] = s.Reason
			}
			if len(gotSkipped) != len(tt.wantSkipped) || (len(gotSkipped) > 0 && !reflect.DeepEqual(gotSkipped, tt.wantSkipped)) {
				t.Errorf("Skipped = %v, want %v", gotSkipped, tt.wantSkipped)
			}
		})
	}
}

func TestDeletionService_ExecuteWritesOneAudit(t *testing.T) {
	store := newMemStore()
	store.put("seller", "S1", map[string]string{"name": "Ann", "seller_number": "S1"})
	store.put("property", "P1", map[string]string{"seller_number": "S1"})
	store.put("property", "P2", map[string]string{"seller_number": "S2"})

	svc := newTestDeletions(t, store, newFakeClock(), enabledDeletion())
	svc.BeginRun("run-1")
	ctx := context.Background()

	if err := svc.Execute(ctx, "run-1", sellerDef(), "S1"); err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	// A retried operation finds the entity gone and succeeds without a second audit.
	if err := svc.Execute(ctx, "run-1", sellerDef(), "S1"); err != nil {
		t.Fatalf("second Execute error = %v", err)
	}

	if got := store.auditCount("seller", "S1"); got != 1 {
		t.Errorf("audit records = %d, want 1", got)
	}
	if got := store.liveKeys("seller"); len(got) != 0 {
		t.Errorf("live sellers = %v, want none", got)
	}
	if got := store.liveKeys("property"); !reflect.DeepEqual(got, []string{"P2"}) {
		t.Errorf("live properties = %v, want [P2]", got)
	}
	if got := svc.Executed("run-1"); got != 1 {
		t.Errorf("Executed = %d, want 1", got)
	}

	page, err := store.ListDeletionAudits(ctx, AuditFilter{Entity: "seller"})
	if err != nil {
		t.Fatalf("ListDeletionAudits error = %v", err)
	}
	audit := page.Entries[0]
	if !audit.CanRecover {
		t.Error("CanRecover = false, want true with a snapshot")
	}
	if audit.DeletedBy != "sheetsync" {
		t.Errorf("DeletedBy = %q, want sheetsync", audit.DeletedBy)
	}
	if audit.RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1", audit.RunID)
	}
	if !reflect.DeepEqual(audit.CascadedKeys, []string{"property:P1"}) {
		t.Errorf("CascadedKeys = %v, want [property:P1]", audit.CascadedKeys)
	}
}

func TestDeletionService_ExecuteRevalidates(t *testing.T) {
	store := newMemStore()
	row := store.put("seller", "S1", map[string]string{"name": "Ann"})

	svc := newTestDeletions(t, store, newFakeClock(), enabledDeletion())
	svc.BeginRun("run-1")
	ctx := context.Background()

	plan := svc.Plan(ctx, "run-1", sellerDef(), []string{"S1"})
	if len(plan.Approved) != 1 {
		t.Fatalf("Approved = %v, want [S1]", plan.Approved)
	}

	// The contract became active between planning and execution.
	row.contract = "pending"

	err := svc.Execute(ctx, "run-1", sellerDef(), "S1")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Execute error = %v, want *ValidationError", err)
	}
	if _, ok := ve.FieldErrors[string(SkipActiveContract)]; !ok {
		t.Errorf("FieldErrors = %v, want %s", ve.FieldErrors, SkipActiveContract)
	}
	if ve.Details["entity_key"] != "S1" {
		t.Errorf("Details[entity_key] = %v, want S1", ve.Details["entity_key"])
	}
	if got := store.auditCount("seller", "S1"); got != 0 {
		t.Errorf("audit records = %d, want 0", got)
	}
}

func TestDeletionService_ExecuteCap(t *testing.T) {
	store := newMemStore()
	store.put("seller", "S1", nil)
	store.put("seller", "S2", nil)

	svc := newTestDeletions(t, store, newFakeClock(), DeletionConfig{Enabled: true, MaxPerSync: 1})
	svc.BeginRun("run-1")
	ctx := context.Background()

	if err := svc.Execute(ctx, "run-1", sellerDef(), "S1"); err != nil {
		t.Fatalf("first Execute error = %v", err)
	}
	err := svc.Execute(ctx, "run-1", sellerDef(), "S2")
	if got := FromError(err); got == nil || got.Code != CodeValidation {
		t.Fatalf("second Execute error = %v, want VALIDATION_ERROR", err)
	}

	// A new run has its own budget.
	svc.BeginRun("run-2")
	if err := svc.Execute(ctx, "run-2", sellerDef(), "S2"); err != nil {
		t.Errorf("Execute in new run error = %v", err)
	}
}

func TestDeletionService_StoreFailureReleasesBudget(t *testing.T) {
	store := newMemStore()
	store.put("seller", "S1", nil)
	store.failWrite["S1"] = errors.New("connection reset by peer")

	svc := newTestDeletions(t, store, newFakeClock(), DeletionConfig{Enabled: true, MaxPerSync: 1})
	svc.BeginRun("run-1")
	ctx := context.Background()

	err := svc.Execute(ctx, "run-1", sellerDef(), "S1")
	if got := FromError(err); got == nil || !got.Retryable() {
		t.Fatalf("Execute error = %v, want a retryable failure", err)
	}
	if got := svc.Executed("run-1"); got != 0 {
		t.Errorf("Executed after failure = %d, want 0", got)
	}

	delete(store.failWrite, "S1")
	if err := svc.Execute(ctx, "run-1", sellerDef(), "S1"); err != nil {
		t.Errorf("retry Execute error = %v", err)
	}
}

func TestDeletionService_WarningsRecorded(t *testing.T) {
	clock := newFakeClock()
	recent := clock.Now().Add(-24 * time.Hour)

	store := newMemStore()
	store.put("seller", "S1", map[string]string{"name": "Ann"}).activity = &recent

	svc := newTestDeletions(t, store, clock, enabledDeletion())
	svc.BeginRun("run-1")

	if err := svc.Execute(context.Background(), "run-1", sellerDef(), "S1"); err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	page, _ := store.ListDeletionAudits(context.Background(), AuditFilter{})
	if len(page.Entries) != 1 || len(page.Entries[0].Warnings) != 1 {
		t.Fatalf("audit entries = %+v, want one with a warning", page.Entries)
	}
}

func TestAuditFilter_Normalize(t *testing.T) {
	tests := []struct {
		in        AuditFilter
		wantLimit int
		wantOff   int
	}{
		{AuditFilter{}, DefaultAuditLimit, 0},
		{AuditFilter{Limit: 10, Offset: 20}, 10, 20},
		{AuditFilter{Limit: 10000}, MaxAuditLimit, 0},
		{AuditFilter{Offset: -5}, DefaultAuditLimit, 0},
	}

	for _, tt := range tests {
		got := tt.in.Normalize()
		if got.Limit != tt.wantLimit || got.Offset != tt.wantOff {
			t.Errorf("Normalize(%+v) = limit %d offset %d, want %d %d", tt.in, got.Limit, got.Offset, tt.wantLimit, tt.wantOff)
		}
	}
}

func TestNewAuditPage(t *testing.T) {
	page := NewAuditPage(nil, 120, AuditFilter{Limit: 50, Offset: 50})
	if page.Page != 2 || page.TotalPages != 3 || page.PageSize != 50 {
		t.Errorf("page = %+v, want page 2 of 3", page)
	}
	if page.Entries == nil {
		t.Error("Entries = nil, want empty slice")
	}

	empty := NewAuditPage(nil, 0, AuditFilter{})
	if empty.TotalPages != 1 {
		t.Errorf("TotalPages = %d, want 1", empty.TotalPages)
	}
}

func TestDeletionService_ProtectedChildBlocksParent(t *testing.T) {
	clock := newFakeClock()
	recent := clock.Now().Add(-24 * time.Hour)

	tests := []struct {
		name       string
		cfg        DeletionConfig
		setup      func(*memStore)
		wantReason SkipReason
	}{
		{
			name: "child under contract",
			cfg:  enabledDeletion(),
			setup: func(m *memStore) {
				m.put("property", "P1", map[string]string{"seller_number": "S1"}).contract = "under_contract"
			},
			wantReason: SkipActiveContract,
		},
		{
			name: "child with recent activity in strict mode",
			cfg:  DeletionConfig{Enabled: true, StrictMode: true, RecentActivityDays: 7, MaxPerSync: 10},
			setup: func(m *memStore) {
				m.put("property", "P1", map[string]string{"seller_number": "S1"}).activity = &recent
			},
			wantReason: SkipRecentActivity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.put("seller", "S1", map[string]string{"seller_number": "S1"})
			store.put("property", "P2", map[string]string{"seller_number": "S1"})
			tt.setup(store)

			svc := newTestDeletions(t, store, clock, tt.cfg)
			svc.BeginRun("run-1")
			ctx := context.Background()

			plan := svc.Plan(ctx, "run-1", sellerDef(), []string{"S1"})
			if len(plan.Approved) != 0 || len(plan.Skipped) != 1 {
				t.Fatalf("plan = %+v, want S1 skipped", plan)
			}
			if got := plan.Skipped[0]; got.Reason != tt.wantReason || !strings.Contains(got.Detail, "property P1") {
				t.Errorf("skipped = %+v, want %s naming property P1", got, tt.wantReason)
			}

			err := svc.Execute(ctx, "run-1", sellerDef(), "S1")
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Execute error = %v, want *ValidationError", err)
			}
			if got := store.liveKeys("property"); !reflect.DeepEqual(got, []string{"P1", "P2"}) {
				t.Errorf("live properties = %v, want [P1 P2]", got)
			}
			if got := store.auditCount("seller", "S1"); got != 0 {
				t.Errorf("audit records = %d, want 0", got)
			}
		})
	}
}

func TestDeletionService_ChildWarningsCarried(t *testing.T) {
	clock := newFakeClock()
	recent := clock.Now().Add(-24 * time.Hour)

	store := newMemStore()
	store.put("seller", "S1", map[string]string{"seller_number": "S1"})
	store.put("property", "P1", map[string]string{"seller_number": "S1"}).activity = &recent

	svc := newTestDeletions(t, store, clock, enabledDeletion())
	svc.BeginRun("run-1")

	if err := svc.Execute(context.Background(), "run-1", sellerDef(), "S1"); err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	page, _ := store.ListDeletionAudits(context.Background(), AuditFilter{Entity: "seller"})
	if len(page.Entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(page.Entries))
	}
	audit := page.Entries[0]
	if len(audit.Warnings) != 1 || !strings.Contains(audit.Warnings[0], "property P1") {
		t.Errorf("Warnings = %v, want one naming property P1", audit.Warnings)
	}
	if !reflect.DeepEqual(audit.CascadedKeys, []string{"property:P1"}) {
		t.Errorf("CascadedKeys = %v, want [property:P1]", audit.CascadedKeys)
	}
}
