package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/sheetsync/internal/logging"
)

// ErrCycleInProgress is returned when another runner holds the cycle lock.
var ErrCycleInProgress = errors.New("reconciliation cycle already in progress")

// Dependencies are the collaborators of a Service. Every field except
// Clock and Lock is required.
type Dependencies struct {
	Registry *Registry
	Sheets   SheetReader
	Mapper   RowMapper
	Store    Store
	Lock     RunLock
	Clock    Clock

	// SheetsLimiter, SheetsBreaker and StoreBreaker are shared with every
	// other caller of the same dependency.
	SheetsLimiter *RateLimiter
	SheetsBreaker *CircuitBreaker
	StoreBreaker  *CircuitBreaker
}

// ServiceConfig holds the engine's policies.
type ServiceConfig struct {
	Retry        RetryConfig
	Deletion     DeletionConfig
	CycleTimeout time.Duration
}

// Service runs reconciliation cycles and owns the operation queue.
type Service struct {
	registry  *Registry
	sheets    SheetReader
	mapper    RowMapper
	store     Store
	lock      RunLock
	clock     Clock
	limiter   *RateLimiter
	sheetsCB  *CircuitBreaker
	storeCB   *CircuitBreaker
	detector  *ChangeDetector
	deletions *DeletionService
	queue     *SyncQueue
	cfg       ServiceConfig

	mu   sync.RWMutex
	last *CycleResult
}

// NewService wires the engine.
func NewService(deps Dependencies, cfg ServiceConfig) (*Service, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("registry is required")
	case deps.Sheets == nil:
		return nil, errors.New("sheet reader is required")
	case deps.Mapper == nil:
		return nil, errors.New("row mapper is required")
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.SheetsLimiter == nil || deps.SheetsBreaker == nil || deps.StoreBreaker == nil:
		return nil, errors.New("sheets limiter and breakers are required")
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 10 * time.Minute
	}

	clock := clockOrDefault(deps.Clock)
	s := &Service{
		registry: deps.Registry,
		sheets:   deps.Sheets,
		mapper:   deps.Mapper,
		store:    deps.Store,
		lock:     deps.Lock,
		clock:    clock,
		limiter:  deps.SheetsLimiter,
		sheetsCB: deps.SheetsBreaker,
		storeCB:  deps.StoreBreaker,
		detector: NewChangeDetector(),
		cfg:      cfg,
	}
	s.deletions = NewDeletionService(deps.Store, deps.Registry, cfg.Deletion, clock)
	s.queue = NewSyncQueue(s, cfg.Retry, clock)
	return s, nil
}

// EntityResult summarizes one entity within a cycle.
type EntityResult struct {
	Entity      string             `json:"entity"`
	SheetRows   int                `json:"sheetRows"`
	DBRows      int                `json:"dbRows"`
	Created     []string           `json:"created,omitempty"`
	Updated     []string           `json:"updated,omitempty"`
	Deleted     []string           `json:"deleted,omitempty"`
	Duplicates  []string           `json:"duplicates,omitempty"`
	InvalidRows []InvalidRowReport `json:"invalidRows,omitempty"`
	Skipped     []SkippedDeletion  `json:"skippedDeletions,omitempty"`
	Queued      int                `json:"queued"`
	Error       *SyncErrorDetails  `json:"error,omitempty"`
}

// InvalidRowReport is the serializable form of an InvalidRow.
type InvalidRowReport struct {
	Row    int               `json:"row"`
	Key    string            `json:"key,omitempty"`
	Errors map[string]string `json:"errors"`
}

// CycleResult summarizes one reconciliation cycle.
type CycleResult struct {
	RunID      string         `json:"runId"`
	Trigger    string         `json:"trigger"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Entities   []EntityResult `json:"entities"`
	Queued     int            `json:"queued"`
}

// Failed reports whether any entity was skipped because of an error.
func (r *CycleResult) Failed() bool {
	for _, e := range r.Entities {
		if e.Error != nil {
			return true
		}
	}
	return false
}

// RunCycle detects changes for every entity and enqueues the resulting
// operations. It returns once detection finishes; the queue drains in the
// background. An entity whose sheet or table cannot be read completely is
// treated as unchanged for this cycle.
func (s *Service) RunCycle(ctx context.Context) (*CycleResult, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.runCycle(ctx), nil
}

// TriggerCycle takes the cycle lock and runs the cycle in the background.
// It returns ErrCycleInProgress without starting anything when the lock is
// held. The cycle outlives ctx's cancellation but keeps its values.
func (s *Service) TriggerCycle(ctx context.Context) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	go func() {
		defer release()
		s.runCycle(context.WithoutCancel(ctx))
	}()
	return nil
}

func (s *Service) acquire(ctx context.Context) (func(), error) {
	if s.lock == nil {
		return func() {}, nil
	}
	release, acquired, err := s.lock.TryLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !acquired {
		return nil, ErrCycleInProgress
	}
	return release, nil
}

func (s *Service) runCycle(ctx context.Context) *CycleResult {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()

	result := &CycleResult{
		RunID:     uuid.NewString(),
		Trigger:   TriggerFromContext(ctx),
		StartedAt: s.clock.Now(),
	}
	s.deletions.BeginRun(result.RunID)

	log := logging.WithFields(ctx, "run_id", result.RunID, "trigger", result.Trigger)
	log.Info("reconciliation cycle started")

	for _, def := range s.registry.All() {
		er := s.reconcileEntity(ctx, result.RunID, def)
		result.Queued += er.Queued
		result.Entities = append(result.Entities, er)
	}

	result.FinishedAt = s.clock.Now()
	s.mu.Lock()
	s.last = result
	s.mu.Unlock()

	log.Info("reconciliation cycle finished",
		"entities", len(result.Entities),
		"queued", result.Queued,
		"duration_ms", result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
	)
	return result
}

func (s *Service) reconcileEntity(ctx context.Context, runID string, def EntityDefinition) EntityResult {
	er := EntityResult{Entity: def.Name}
	log := slog.With("run_id", runID, "entity", def.Name)

	fail := func(stage string, err error) EntityResult {
		details := FromError(err).ToDetails()
		er.Error = &details
		log.Warn("entity skipped this cycle", "stage", stage, "code", details.Code, "error", err)
		return er
	}

	rows, err := s.readSheet(ctx, def)
	if err != nil {
		return fail("read_sheet", err)
	}

	mapped, err := s.mapper.MapRows(def, rows)
	if err != nil {
		return fail("map_rows", err)
	}
	er.SheetRows = len(mapped.Records)
	er.Duplicates = mapped.Duplicates
	for _, inv := range mapped.Invalid {
		report := InvalidRowReport{Row: inv.Row, Key: inv.Key}
		if inv.Err != nil {
			report.Errors = inv.Err.FieldErrors
		}
		er.InvalidRows = append(er.InvalidRows, report)
	}

	var dbRecords []Record
	err = s.storeCB.Execute(ctx, func(ctx context.Context) error {
		var err error
		dbRecords, err = s.store.ListRecords(ctx, def)
		return err
	})
	if err != nil {
		return fail("list_records", err)
	}
	er.DBRows = len(dbRecords)

	cs := s.detector.Detect(def, mapped.Records, dbRecords)
	er.Created = cs.CreatedKeys()
	er.Updated = cs.UpdatedKeys()
	er.Duplicates = dedupe(append(er.Duplicates, cs.Duplicates...))

	for _, rec := range cs.Created {
		er.Queued += s.enqueue(log, &SyncOperation{Type: OpCreate, Entity: def.Name, EntityKey: rec.Key, Record: rec, RunID: runID})
	}
	for _, ch := range cs.Updated {
		er.Queued += s.enqueue(log, &SyncOperation{Type: OpUpdate, Entity: def.Name, EntityKey: ch.Record.Key, Record: ch.Record, RunID: runID})
	}

	// Rows that failed validation are still on the sheet.
	candidates := make([]string, 0, len(cs.Deleted))
	for _, key := range cs.Deleted {
		if !mapped.Seen[key] {
			candidates = append(candidates, key)
		}
	}

	plan := s.deletions.Plan(ctx, runID, def, candidates)
	er.Skipped = plan.Skipped
	er.Deleted = plan.Approved
	for _, key := range plan.Approved {
		er.Queued += s.enqueue(log, &SyncOperation{Type: OpDelete, Entity: def.Name, EntityKey: key, RunID: runID})
	}

	log.Info("entity reconciled",
		"sheet_rows", er.SheetRows,
		"db_rows", er.DBRows,
		"created", len(er.Created),
		"updated", len(er.Updated),
		"deleted", len(er.Deleted),
		"invalid", len(er.InvalidRows),
		"skipped_deletions", len(er.Skipped),
	)
	return er
}

// readSheet reads one sheet through the shared limiter and breaker.
func (s *Service) readSheet(ctx context.Context, def EntityDefinition) ([][]string, error) {
	var rows [][]string
	err := s.limiter.ExecuteRequest(ctx, func(ctx context.Context) error {
		return s.sheetsCB.Execute(ctx, func(ctx context.Context) error {
			var err error
			rows, err = s.sheets.ReadRows(ctx, def.SheetRange)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Service) enqueue(log *slog.Logger, op *SyncOperation) int {
	if err := s.queue.Enqueue(op); err != nil {
		log.Error("enqueue failed", "type", op.Type, "entity_key", op.EntityKey, "error", err)
		return 0
	}
	return 1
}

// ExecuteOperation applies one queued operation to the database.
func (s *Service) ExecuteOperation(ctx context.Context, op *SyncOperation) error {
	def, ok := s.registry.Get(op.Entity)
	if !ok {
		return NewSyncError(CodeValidation, fmt.Sprintf("%v: %s", ErrUnknownEntity, op.Entity), ErrUnknownEntity)
	}

	switch op.Type {
	case OpCreate, OpUpdate:
		return s.storeCB.Execute(ctx, func(ctx context.Context) error {
			return s.store.Upsert(ctx, def, op.Record)
		})
	case OpDelete:
		return s.storeCB.Execute(ctx, func(ctx context.Context) error {
			return s.deletions.Execute(ctx, op.RunID, def, op.EntityKey)
		})
	}
	return NewSyncError(CodeValidation, fmt.Sprintf("unknown operation type %q", op.Type), nil)
}

// Status is the engine snapshot served by the status API.
type Status struct {
	Queue     QueueStatus       `json:"queue"`
	LastCycle *CycleResult      `json:"lastCycle,omitempty"`
	Breakers  []BreakerSnapshot `json:"breakers"`
	Limiter   LimiterUsage      `json:"limiter"`
	Stats     LimiterStats      `json:"limiterStats"`
}

// Status returns queue, breaker and limiter state plus the last cycle.
func (s *Service) Status() Status {
	return Status{
		Queue:     s.queue.GetQueueStatus(),
		LastCycle: s.LastCycle(),
		Breakers:  s.Breakers(),
		Limiter:   s.limiter.Usage(),
		Stats:     s.limiter.Stats(),
	}
}

// LastCycle returns the most recent cycle result, or nil before the first run.
func (s *Service) LastCycle() *CycleResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Breakers returns snapshots of every breaker, sorted by name.
func (s *Service) Breakers() []BreakerSnapshot {
	snaps := []BreakerSnapshot{s.sheetsCB.Snapshot(), s.storeCB.Snapshot()}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}

// ResetBreakers forces every breaker closed.
func (s *Service) ResetBreakers() {
	s.sheetsCB.Reset()
	s.storeCB.Reset()
}

// QueueStatus returns the queue counters.
func (s *Service) QueueStatus() QueueStatus { return s.queue.GetQueueStatus() }

// FailedOperations returns permanently failed operations.
func (s *Service) FailedOperations() []SyncOperation { return s.queue.GetFailedOperations() }

// RetryFailed re-enqueues every failed operation.
func (s *Service) RetryFailed() int { return s.queue.RetryFailedOperations() }

// WaitForCompletion blocks until the queue is idle or timeout elapses.
func (s *Service) WaitForCompletion(timeout time.Duration) bool {
	return s.queue.WaitForCompletion(timeout)
}

// ListDeletionAudits pages through the deletion audit log.
func (s *Service) ListDeletionAudits(ctx context.Context, filter AuditFilter) (AuditPage, error) {
	return s.store.ListDeletionAudits(ctx, filter.Normalize())
}

// Entities returns the registered entity definitions.
func (s *Service) Entities() []EntityDefinition { return s.registry.All() }

// Close stops the operation queue and the limiter request queue.
func (s *Service) Close() {
	s.queue.Close()
	s.limiter.Close()
}

func dedupe(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
