// Package core is the sheet-to-database reconciliation engine.
//
// Staff edit Google Sheets; the database mirrors them. Each reconciliation
// cycle reads every registered entity's sheet, diffs it against the table and
// hands the resulting create, update and delete operations to a queue that
// applies them one at a time.
//
// # Components
//
//   - [RateLimiter]: token bucket in front of the Sheets API
//   - [CircuitBreaker]: one per remote dependency, shared by every caller
//   - [SyncError] and [FromError]: closed error taxonomy; the code decides retryability
//   - [SyncQueue]: single-consumer FIFO with exponential backoff retries
//   - [ChangeDetector]: stateless full-snapshot diff with typed field comparison
//   - [DeletionService]: validated, capped, audited soft deletes
//   - [Service]: one cycle end to end; [Scheduler] triggers it on a cron spec
//
// # Failure handling
//
// Every failed operation is classified with [FromError]. Network and rate
// limit failures are retried with backoff up to RetryConfig.MaxRetries;
// everything else lands in the failed list at once, where operators can
// inspect it and replay it with [SyncQueue.RetryFailedOperations]. An entity
// whose sheet cannot be read completely is left untouched for the cycle.
//
// The collaborators (sheet reader, row mapper, store, run lock) are
// interfaces; internal/sheets, internal/mapping, internal/store and
// internal/lock provide the production implementations.
package core
