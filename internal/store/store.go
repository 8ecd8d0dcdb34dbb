// Package store persists entities and the deletion audit in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/sheetsync/internal/core"
	"github.com/JonMunkholm/sheetsync/internal/mapping"
)

// Store implements core.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the entity tables, their mapped columns, child
// foreign key indexes and the deletion audit table.
func (s *Store) EnsureSchema(ctx context.Context, reg *core.Registry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, def := range reg.All() {
		stmts := append([]string{createTableSQL(def)}, addColumnsSQL(def)...)
		for _, child := range reg.Children(def.Name) {
			stmts = append(stmts, foreignKeyIndexSQL(child.Entity, child.ForeignKey))
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("schema for %s: %w", def.Name, err)
			}
		}
	}
	for _, stmt := range auditSchemaSQL {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("deletion audit schema: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	slog.Info("schema ready", "entities", len(reg.All()))
	return nil
}

// ListRecords returns every live row of the entity. NULL columns read as "".
func (s *Store) ListRecords(ctx context.Context, def core.EntityDefinition) ([]core.Record, error) {
	rows, err := s.pool.Query(ctx, selectRecordsSQL(def))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", def.Table, err)
	}

	cols := def.Columns()
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.Record, error) {
		values := make([]pgtype.Text, len(cols)+1)
		dest := make([]any, len(values))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := row.Scan(dest...); err != nil {
			return core.Record{}, err
		}

		rec := core.Record{Key: values[0].String, Fields: make(map[string]string, len(cols))}
		for i, c := range cols {
			rec.Fields[c] = values[i+1].String
		}
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", def.Table, err)
	}
	return records, nil
}

// Upsert inserts or updates rec by key.
func (s *Store) Upsert(ctx context.Context, def core.EntityDefinition, rec core.Record) error {
	if rec.Key == "" {
		return core.NewValidationError("record has no key", map[string]string{def.KeyColumn: "required field is empty"})
	}

	cols := upsertColumns(def, rec)
	args := make([]any, 0, len(cols)+1)
	args = append(args, rec.Key)
	for _, c := range cols {
		f, _ := def.Field(c)
		args = append(args, mapping.ToPgValue(f.Type, rec.Fields[c]))
	}

	if _, err := s.pool.Exec(ctx, upsertSQL(def, cols), args...); err != nil {
		return fmt.Errorf("upsert %s %s: %w", def.Name, rec.Key, err)
	}
	return nil
}

// EntityStatus reports existence, contract status and last activity.
func (s *Store) EntityStatus(ctx context.Context, def core.EntityDefinition, key string) (core.EntityStatus, error) {
	var (
		deleted  bool
		contract pgtype.Text
		activity pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, entityStatusSQL(def), key).Scan(&deleted, &contract, &activity)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.EntityStatus{}, nil
	}
	if err != nil {
		return core.EntityStatus{}, fmt.Errorf("status of %s %s: %w", def.Name, key, err)
	}

	st := core.EntityStatus{Exists: true, Deleted: deleted, ContractStatus: contract.String}
	if activity.Valid {
		t := activity.Time
		st.LastActivity = &t
	}
	return st, nil
}

// LiveChildKeys returns the keys of live child rows that reference parentKey.
func (s *Store) LiveChildKeys(ctx context.Context, child core.ResolvedChild, parentKey string) ([]string, error) {
	rows, err := s.pool.Query(ctx, liveChildKeysSQL(child), parentKey)
	if err != nil {
		return nil, fmt.Errorf("children of %s in %s: %w", parentKey, child.Entity.Table, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan children of %s in %s: %w", parentKey, child.Entity.Table, err)
	}
	return keys, nil
}

// SoftDelete marks the entity and its children deleted and writes the audit
// record in one transaction. The row is locked while its snapshot is taken,
// so a concurrent delete of the same key sees ErrEntityNotFound.
func (s *Store) SoftDelete(ctx context.Context, req core.DeletionRequest) (core.DeletionAudit, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return core.DeletionAudit{}, fmt.Errorf("begin delete transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var snapshot map[string]any
	err = tx.QueryRow(ctx, snapshotSQL(req.Entity), req.Key).Scan(&snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.DeletionAudit{}, core.ErrEntityNotFound
	}
	if err != nil {
		return core.DeletionAudit{}, fmt.Errorf("snapshot %s %s: %w", req.Entity.Name, req.Key, err)
	}

	if _, err := tx.Exec(ctx, softDeleteSQL(req.Entity), req.Key, req.DeletedAt); err != nil {
		return core.DeletionAudit{}, fmt.Errorf("soft delete %s %s: %w", req.Entity.Name, req.Key, err)
	}

	var cascaded []string
	for _, child := range req.Children {
		rows, err := tx.Query(ctx, cascadeSQL(child), req.Key, req.DeletedAt)
		if err != nil {
			return core.DeletionAudit{}, fmt.Errorf("cascade to %s: %w", child.Entity.Name, err)
		}
		keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return core.DeletionAudit{}, fmt.Errorf("cascade to %s: %w", child.Entity.Name, err)
		}
		for _, k := range keys {
			cascaded = append(cascaded, child.Entity.Name+":"+k)
		}
	}

	audit := core.NewDeletionAudit(req, snapshot, cascaded)
	_, err = tx.Exec(ctx, insertAuditSQL,
		pgtype.UUID{Bytes: audit.ID, Valid: true},
		audit.Entity,
		audit.EntityKey,
		audit.DeletedAt,
		audit.DeletedBy,
		audit.CanRecover,
		audit.Snapshot,
		nonNil(audit.CascadedKeys),
		audit.Reason,
		audit.RunID,
		nonNil(audit.Warnings),
	)
	if err != nil {
		return core.DeletionAudit{}, fmt.Errorf("write deletion audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return core.DeletionAudit{}, fmt.Errorf("commit delete: %w", err)
	}
	return audit, nil
}

// ListDeletionAudits returns one page of audit records, newest first.
func (s *Store) ListDeletionAudits(ctx context.Context, filter core.AuditFilter) (core.AuditPage, error) {
	filter = filter.Normalize()
	wb := auditWhere(filter)
	whereClause, args := wb.Build()

	var total int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM deletion_audit"+whereClause, args...).Scan(&total); err != nil {
		return core.AuditPage{}, fmt.Errorf("count deletion audit: %w", err)
	}

	query := "SELECT " + auditColumns + " FROM deletion_audit" + whereClause +
		fmt.Sprintf(" ORDER BY deleted_at DESC, created_at DESC LIMIT $%d OFFSET $%d", wb.NextArgIndex(), wb.NextArgIndex()+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return core.AuditPage{}, fmt.Errorf("query deletion audit: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanAudit)
	if err != nil {
		return core.AuditPage{}, fmt.Errorf("scan deletion audit: %w", err)
	}
	return core.NewAuditPage(entries, total, filter), nil
}

// auditWhere builds the filter conditions. Time bounds are only applied when set.
func auditWhere(f core.AuditFilter) *WhereBuilder {
	wb := NewWhereBuilder()
	wb.Add("entity", f.Entity)
	wb.Add("entity_key", f.EntityKey)
	wb.Add("run_id", f.RunID)
	if !f.Since.IsZero() || !f.Until.IsZero() {
		since := f.Since
		if since.IsZero() {
			since = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
		}
		until := f.Until
		if until.IsZero() {
			until = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
		}
		wb.AddTimestampRange("deleted_at", since, until)
	}
	return wb
}

func scanAudit(row pgx.CollectableRow) (core.DeletionAudit, error) {
	var (
		a  core.DeletionAudit
		id pgtype.UUID
	)
	err := row.Scan(&id, &a.Entity, &a.EntityKey, &a.DeletedAt, &a.DeletedBy, &a.CanRecover,
		&a.Snapshot, &a.CascadedKeys, &a.Reason, &a.RunID, &a.Warnings)
	if err != nil {
		return core.DeletionAudit{}, err
	}
	a.ID = uuid.UUID(id.Bytes)
	return a, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
