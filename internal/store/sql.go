package store

// sql.go builds the per-entity statements. Table and column names come from
// a validated mapping and are quoted; values are always bound.

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// quoteIdentifier escapes a PostgreSQL identifier.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sqlType(t core.FieldType) string {
	switch t {
	case core.FieldDate:
		return "DATE"
	case core.FieldNumeric:
		return "NUMERIC"
	case core.FieldBool:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// createTableSQL creates the entity table with its key and bookkeeping
// columns. Mapped columns are added separately so new mapping fields reach
// existing tables.
func createTableSQL(def core.EntityDefinition) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	%s TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	synced_at TIMESTAMPTZ,
	deleted_at TIMESTAMPTZ
)`, quoteIdentifier(def.Table), quoteIdentifier(def.KeyColumn))
}

func addColumnsSQL(def core.EntityDefinition) []string {
	stmts := make([]string, 0, len(def.Fields))
	for _, f := range def.Fields {
		if f.Column == def.KeyColumn {
			continue
		}
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			quoteIdentifier(def.Table), quoteIdentifier(f.Column), sqlType(f.Type)))
	}
	return stmts
}

func foreignKeyIndexSQL(child core.EntityDefinition, foreignKey string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		quoteIdentifier("idx_"+child.Table+"_"+foreignKey),
		quoteIdentifier(child.Table), quoteIdentifier(foreignKey))
}

// auditSchemaSQL creates the append-only deletion audit. The rules turn
// UPDATE and DELETE into no-ops.
var auditSchemaSQL = []string{
	`CREATE TABLE IF NOT EXISTS deletion_audit (
	id UUID PRIMARY KEY,
	entity TEXT NOT NULL,
	entity_key TEXT NOT NULL,
	deleted_at TIMESTAMPTZ NOT NULL,
	deleted_by TEXT NOT NULL,
	can_recover BOOLEAN NOT NULL,
	snapshot JSONB,
	cascaded_keys TEXT[] NOT NULL DEFAULT '{}',
	reason TEXT NOT NULL DEFAULT '',
	run_id TEXT NOT NULL DEFAULT '',
	warnings TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS idx_deletion_audit_entity ON deletion_audit (entity, entity_key)`,
	`CREATE INDEX IF NOT EXISTS idx_deletion_audit_deleted_at ON deletion_audit (deleted_at DESC)`,
	`CREATE OR REPLACE RULE deletion_audit_no_update AS ON UPDATE TO deletion_audit DO INSTEAD NOTHING`,
	`CREATE OR REPLACE RULE deletion_audit_no_delete AS ON DELETE TO deletion_audit DO INSTEAD NOTHING`,
}

// selectRecordsSQL reads live rows with every column as text, key first.
func selectRecordsSQL(def core.EntityDefinition) string {
	cols := []string{quoteIdentifier(def.KeyColumn) + "::text"}
	for _, c := range def.Columns() {
		cols = append(cols, quoteIdentifier(c)+"::text")
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE deleted_at IS NULL ORDER BY %s",
		strings.Join(cols, ", "), quoteIdentifier(def.Table), quoteIdentifier(def.KeyColumn))
}

// upsertSQL inserts or updates one record, writing only the given columns.
// A soft-deleted row that reappears on the sheet is revived.
func upsertSQL(def core.EntityDefinition, columns []string) string {
	names := []string{quoteIdentifier(def.KeyColumn)}
	placeholders := []string{"$1"}
	var sets []string
	for i, c := range columns {
		q := quoteIdentifier(c)
		names = append(names, q)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
	}
	sets = append(sets, "deleted_at = NULL", "synced_at = now()", "updated_at = now()")

	return fmt.Sprintf("INSERT INTO %s (%s, synced_at) VALUES (%s, now()) ON CONFLICT (%s) DO UPDATE SET %s",
		quoteIdentifier(def.Table),
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
		quoteIdentifier(def.KeyColumn),
		strings.Join(sets, ", "),
	)
}

// upsertColumns returns the record's mapped columns in a stable order.
func upsertColumns(def core.EntityDefinition, rec core.Record) []string {
	cols := make([]string, 0, len(rec.Fields))
	for c := range rec.Fields {
		if c == def.KeyColumn {
			continue
		}
		if _, ok := def.Field(c); ok {
			cols = append(cols, c)
		}
	}
	sort.Strings(cols)
	return cols
}

// entityStatusSQL reads what deletion validation needs about one row.
func entityStatusSQL(def core.EntityDefinition) string {
	contract := "NULL::text"
	if def.ContractColumn != "" {
		contract = quoteIdentifier(def.ContractColumn) + "::text"
	}
	activity := "NULL::timestamptz"
	if def.ActivityColumn != "" {
		activity = quoteIdentifier(def.ActivityColumn) + "::timestamptz"
	}
	return fmt.Sprintf("SELECT deleted_at IS NOT NULL, %s, %s FROM %s WHERE %s = $1",
		contract, activity, quoteIdentifier(def.Table), quoteIdentifier(def.KeyColumn))
}

// snapshotSQL locks a live row and returns it as JSON for the audit.
func snapshotSQL(def core.EntityDefinition) string {
	return fmt.Sprintf("SELECT row_to_json(t) FROM %s t WHERE %s = $1 AND deleted_at IS NULL FOR UPDATE",
		quoteIdentifier(def.Table), quoteIdentifier(def.KeyColumn))
}

func softDeleteSQL(def core.EntityDefinition) string {
	return fmt.Sprintf("UPDATE %s SET deleted_at = $2, updated_at = now() WHERE %s = $1 AND deleted_at IS NULL",
		quoteIdentifier(def.Table), quoteIdentifier(def.KeyColumn))
}

// liveChildKeysSQL lists live children referencing the parent key.
func liveChildKeysSQL(child core.ResolvedChild) string {
	return fmt.Sprintf("SELECT %s::text FROM %s WHERE %s = $1 AND deleted_at IS NULL ORDER BY 1",
		quoteIdentifier(child.Entity.KeyColumn), quoteIdentifier(child.Entity.Table), quoteIdentifier(child.ForeignKey))
}

// cascadeSQL soft-deletes live children referencing the parent key and
// returns their keys.
func cascadeSQL(child core.ResolvedChild) string {
	return fmt.Sprintf("UPDATE %s SET deleted_at = $2, updated_at = now() WHERE %s = $1 AND deleted_at IS NULL RETURNING %s::text",
		quoteIdentifier(child.Entity.Table), quoteIdentifier(child.ForeignKey), quoteIdentifier(child.Entity.KeyColumn))
}

const insertAuditSQL = `INSERT INTO deletion_audit
	(id, entity, entity_key, deleted_at, deleted_by, can_recover, snapshot, cascaded_keys, reason, run_id, warnings)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

const auditColumns = `id, entity, entity_key, deleted_at, deleted_by, can_recover, snapshot, cascaded_keys, reason, run_id, warnings`
