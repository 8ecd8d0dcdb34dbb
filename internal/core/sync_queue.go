package core

// sync_queue.go applies create/update/delete operations one at a time.
//
// Scheduling uses two containers:
//   - pending: FIFO of operations ready to run (new work and due retries)
//   - delayed: operations waiting out their backoff, ordered by readyAt
//
// A due retry is promoted to the tail of pending, so one failing entity
// never starves the rest of the batch. A single drain goroutine is the only
// consumer; Enqueue starts it when idle and concurrent Process calls are no-ops.
//
// At most one waiting operation exists per entity key. Enqueuing a key that
// is already pending or delayed replaces that operation's payload in place,
// so a cycle that re-detects a change still queued by an earlier cycle does
// not duplicate it. The operation being executed is not waiting; a newer
// operation for its key queues behind it.

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OperationType is the kind of change applied to the database.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// SyncOperation is one unit of work owned by the queue.
type SyncOperation struct {
	ID         string            `json:"id"`
	Type       OperationType     `json:"type"`
	Entity     string            `json:"entity"`
	EntityKey  string            `json:"entityKey"`
	Record     Record            `json:"-"`
	RunID      string            `json:"runId,omitempty"`
	RetryCount int               `json:"retryCount"`
	CreatedAt  time.Time         `json:"createdAt"`
	LastError  *SyncErrorDetails `json:"lastError,omitempty"`

	readyAt time.Time
}

// RetryConfig is the queue's retry policy.
type RetryConfig struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns 3 retries at 1s, 2s, 4s capped at 10s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
	}
}

// Backoff returns min(InitialDelay * BackoffMultiplier^(retryCount-1), MaxDelay)
// for retryCount >= 1.
func (c RetryConfig) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(retryCount-1))
	if d > float64(c.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// OperationExecutor performs the remote call behind an operation.
type OperationExecutor interface {
	ExecuteOperation(ctx context.Context, op *SyncOperation) error
}

// ExecutorFunc adapts a function to OperationExecutor.
type ExecutorFunc func(ctx context.Context, op *SyncOperation) error

func (f ExecutorFunc) ExecuteOperation(ctx context.Context, op *SyncOperation) error {
	return f(ctx, op)
}

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("sync queue closed")

type opKey struct {
	entity string
	key    string
}

func keyOf(op *SyncOperation) opKey { return opKey{op.Entity, op.EntityKey} }

// QueueStatus is a derived snapshot of the queue.
type QueueStatus struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Succeeded  int `json:"succeeded"`
}

// SyncQueue is a single-consumer operation queue with bounded retries.
type SyncQueue struct {
	executor OperationExecutor
	retry    RetryConfig
	clock    Clock

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	mu         sync.Mutex
	pending    []*SyncOperation
	delayed    []*SyncOperation         // sorted by readyAt
	waiting    map[opKey]*SyncOperation // pending and delayed, by entity key
	processing bool
	inFlight   *SyncOperation
	failed     []*SyncOperation
	succeeded  int
	closed     bool
}

// NewSyncQueue creates an idle queue. RetryConfig is fixed for its lifetime.
func NewSyncQueue(executor OperationExecutor, retry RetryConfig, clock Clock) *SyncQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncQueue{
		executor: executor,
		retry:    retry,
		clock:    clockOrDefault(clock),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		waiting:  make(map[opKey]*SyncOperation),
	}
}

// Enqueue appends op with RetryCount 0 and CreatedAt now, and starts a
// drain if none is running. If an operation for the same entity key is
// already waiting, that operation takes op's type, record and run ID and
// keeps its queue position and retry state; op.ID is set to its ID.
func (q *SyncQueue) Enqueue(op *SyncOperation) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}

	if existing, ok := q.waiting[keyOf(op)]; ok {
		slog.Debug("sync operation merged into waiting operation",
			"op_id", existing.ID,
			"entity", op.Entity,
			"entity_key", op.EntityKey,
			"from", existing.Type,
			"to", op.Type,
		)
		existing.Type = op.Type
		existing.Record = op.Record
		existing.RunID = op.RunID
		op.ID = existing.ID
		q.mu.Unlock()
		return nil
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.RetryCount = 0
	op.CreatedAt = q.clock.Now()
	op.LastError = nil
	q.pending = append(q.pending, op)
	q.waiting[keyOf(op)] = op
	start := q.claim()
	q.mu.Unlock()

	q.kick(start)
	return nil
}

// claim marks the drain as running and reports whether the caller must
// start it. Callers hold q.mu.
func (q *SyncQueue) claim() bool {
	if q.processing || q.closed {
		return false
	}
	q.processing = true
	return true
}

// kick starts a claimed drain, or wakes a running one waiting on a retry.
func (q *SyncQueue) kick(start bool) {
	if start {
		go q.drain()
		return
	}
	q.signal()
}

func (q *SyncQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Process drains the queue until no pending or delayed work remains.
// It returns immediately if another drain is already running.
func (q *SyncQueue) Process() {
	q.mu.Lock()
	start := q.claim()
	q.mu.Unlock()

	if start {
		q.drain()
	}
}

// drain runs a claimed drain until next releases it.
func (q *SyncQueue) drain() {
	for {
		op, wait, ok := q.next()
		if !ok {
			return
		}
		if op == nil {
			select {
			case <-q.ctx.Done():
				q.mu.Lock()
				q.processing = false
				q.mu.Unlock()
				return
			case <-q.wake:
			case <-q.clock.After(wait):
			}
			continue
		}

		err := q.executor.ExecuteOperation(q.ctx, op)
		q.complete(op, err)
	}
}

// next promotes due retries and pops the head of pending. With nothing
// ready it returns the wait until the earliest retry; ok is false when the
// queue is empty or closed, and the drain is released under the same lock
// so a concurrent Enqueue always starts a new one.
func (q *SyncQueue) next() (op *SyncOperation, wait time.Duration, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.processing = false
		return nil, 0, false
	}

	now := q.clock.Now()
	for len(q.delayed) > 0 && !q.delayed[0].readyAt.After(now) {
		q.pending = append(q.pending, q.delayed[0])
		q.delayed[0] = nil
		q.delayed = q.delayed[1:]
	}

	if len(q.pending) > 0 {
		op = q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		if q.waiting[keyOf(op)] == op {
			delete(q.waiting, keyOf(op))
		}
		q.inFlight = op
		return op, 0, true
	}

	if len(q.delayed) > 0 {
		return nil, q.delayed[0].readyAt.Sub(now), true
	}
	q.processing = false
	return nil, 0, false
}

func (q *SyncQueue) complete(op *SyncOperation, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.inFlight = nil
	if err == nil {
		q.succeeded++
		return
	}

	se := FromError(err)
	details := se.ToDetails()
	op.LastError = &details

	log := slog.With(
		"op_id", op.ID,
		"type", op.Type,
		"entity", op.Entity,
		"entity_key", op.EntityKey,
		"retry_count", op.RetryCount,
		"code", se.Code,
	)

	// A breaker rejection is terminal for this attempt only; the operation
	// still gets its retry budget once the breaker lets calls through.
	breakerOpen := errors.Is(err, ErrCircuitOpen)

	if !se.Retryable() && !breakerOpen {
		q.failed = append(q.failed, op)
		log.Error("sync operation failed permanently", "error", err)
		return
	}

	// A newer operation for the key arrived while this one ran.
	if newer, ok := q.waiting[keyOf(op)]; ok {
		log.Info("sync operation superseded, not retried", "superseded_by", newer.ID, "error", err)
		return
	}

	if op.RetryCount >= q.retry.MaxRetries {
		q.failed = append(q.failed, op)
		log.Error("sync operation exhausted retries", "error", err)
		return
	}

	op.RetryCount++
	delay := q.retry.Backoff(op.RetryCount)
	if hint := se.RetryAfter(); hint > delay {
		delay = hint
	}
	op.readyAt = q.clock.Now().Add(delay)
	q.insertDelayed(op)
	q.waiting[keyOf(op)] = op

	log.Warn("sync operation scheduled for retry",
		"attempt", op.RetryCount,
		"delay_ms", delay.Milliseconds(),
		"error", err,
	)
}

func (q *SyncQueue) insertDelayed(op *SyncOperation) {
	i := sort.Search(len(q.delayed), func(i int) bool {
		return q.delayed[i].readyAt.After(op.readyAt)
	})
	q.delayed = append(q.delayed, nil)
	copy(q.delayed[i+1:], q.delayed[i:])
	q.delayed[i] = op
}

// GetQueueStatus returns pending (including waiting retries), processing
// (0 or 1) and failed counts.
func (q *SyncQueue) GetQueueStatus() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	status := QueueStatus{
		Pending:   len(q.pending) + len(q.delayed),
		Failed:    len(q.failed),
		Succeeded: q.succeeded,
	}
	if q.inFlight != nil {
		status.Processing = 1
	}
	return status
}

// GetFailedOperations returns a copy of the permanently failed operations.
func (q *SyncQueue) GetFailedOperations() []SyncOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]SyncOperation, len(q.failed))
	for i, op := range q.failed {
		out[i] = *op
	}
	return out
}

// RetryFailedOperations moves every failed operation back to pending with
// RetryCount reset to 0 and returns how many were re-enqueued. A failed
// operation whose key already has a newer waiting operation is dropped.
func (q *SyncQueue) RetryFailedOperations() int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	failed := q.failed
	q.failed = nil
	requeued, superseded := 0, 0
	for _, op := range failed {
		if _, ok := q.waiting[keyOf(op)]; ok {
			superseded++
			continue
		}
		op.RetryCount = 0
		op.readyAt = time.Time{}
		q.pending = append(q.pending, op)
		q.waiting[keyOf(op)] = op
		requeued++
	}
	start := requeued > 0 && q.claim()
	q.mu.Unlock()

	if requeued > 0 {
		slog.Info("re-enqueued failed sync operations", "count", requeued, "superseded", superseded)
		q.kick(start)
	}
	return requeued
}

// IsEmpty reports whether nothing is pending, waiting or processing.
func (q *SyncQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && len(q.delayed) == 0 && !q.processing
}

// WaitForCompletion polls IsEmpty until it is true or timeout elapses.
func (q *SyncQueue) WaitForCompletion(timeout time.Duration) bool {
	if q.IsEmpty() {
		return true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			return q.IsEmpty()
		case <-ticker.C:
			if q.IsEmpty() {
				return true
			}
		}
	}
}

// Close stops the drain after the in-flight operation. Pending work is dropped.
func (q *SyncQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := len(q.pending) + len(q.delayed)
	q.mu.Unlock()

	q.cancel()
	if dropped > 0 {
		slog.Warn("sync queue closed with pending operations", "dropped", dropped)
	}
}
