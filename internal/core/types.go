package core

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// FieldType represents the expected data type of a tracked column.
type FieldType int

const (
	FieldText FieldType = iota
	FieldEnum
	FieldDate
	FieldNumeric
	FieldBool
)

// ParseFieldType maps a mapping-file type name to a FieldType.
func ParseFieldType(s string) (FieldType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "string":
		return FieldText, true
	case "enum":
		return FieldEnum, true
	case "date":
		return FieldDate, true
	case "numeric", "number", "decimal", "money":
		return FieldNumeric, true
	case "bool", "boolean":
		return FieldBool, true
	}
	return FieldText, false
}

func (t FieldType) String() string {
	switch t {
	case FieldEnum:
		return "enum"
	case FieldDate:
		return "date"
	case FieldNumeric:
		return "numeric"
	case FieldBool:
		return "bool"
	default:
		return "text"
	}
}

// Equal compares two normalized values by the field's type, so "1500" and
// "1500.00" are the same price and "2024-01-05" matches "2024-01-05T00:00:00Z".
func (t FieldType) Equal(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == b {
		return true
	}
	if a == "" || b == "" {
		return false
	}

	switch t {
	case FieldEnum:
		return strings.EqualFold(a, b)
	case FieldNumeric:
		ra, okA := new(big.Rat).SetString(a)
		rb, okB := new(big.Rat).SetString(b)
		return okA && okB && ra.Cmp(rb) == 0
	case FieldDate:
		da, okA := parseDay(a)
		db, okB := parseDay(b)
		return okA && okB && da == db
	case FieldBool:
		ba, errA := strconv.ParseBool(a)
		bb, errB := strconv.ParseBool(b)
		return errA == nil && errB == nil && ba == bb
	}
	return false
}

var dayLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02 15:04:05-07"}

func parseDay(s string) (string, bool) {
	for _, layout := range dayLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

// FieldSpec maps one sheet column to one database column.
type FieldSpec struct {
	Header     string    // Sheet header text (matched case-insensitively)
	Column     string    // Database column
	Type       FieldType // Expected data type
	Required   bool      // Header must exist and cell must be non-empty
	EnumValues []string  // Allowed values for FieldEnum
}

// ChildRelation names an entity whose rows reference this one and are
// soft-deleted with it.
type ChildRelation struct {
	Entity     string
	ForeignKey string // column on the child holding this entity's key
}

// EntityDefinition describes one synchronized sheet and its table.
type EntityDefinition struct {
	Name       string // "seller"
	Table      string // "sellers"
	SheetRange string // "Sellers!A:Z"
	KeyHeader  string // "Seller Number"
	KeyColumn  string // "seller_number"
	Order      int    // reconciliation order; parents before children

	Fields []FieldSpec

	// ActivityColumn holds the last activity timestamp checked against the
	// deletion lookback window. Empty disables the check.
	ActivityColumn string

	// ContractColumn and ActiveContractValues identify entities that must
	// not be deleted while a contract is active.
	ContractColumn       string
	ActiveContractValues []string

	Children []ChildRelation
}

// HasActiveContract reports whether status is one of the active values.
func (d EntityDefinition) HasActiveContract(status string) bool {
	status = strings.TrimSpace(status)
	if d.ContractColumn == "" || status == "" {
		return false
	}
	for _, v := range d.ActiveContractValues {
		if strings.EqualFold(v, status) {
			return true
		}
	}
	return false
}

// Field returns the spec for a database column.
func (d EntityDefinition) Field(column string) (FieldSpec, bool) {
	for _, f := range d.Fields {
		if f.Column == column {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Columns returns the database columns of the tracked fields.
func (d EntityDefinition) Columns() []string {
	cols := make([]string, 0, len(d.Fields))
	for _, f := range d.Fields {
		if f.Column != d.KeyColumn {
			cols = append(cols, f.Column)
		}
	}
	return cols
}

// Record is one entity row keyed by its business key. Fields holds
// normalized values by database column; a column absent from Fields was not
// present in the source.
type Record struct {
	Key    string
	Fields map[string]string
}

// InvalidRow is a sheet row rejected by the mapper.
type InvalidRow struct {
	Row int              `json:"row"` // 1-based sheet row number
	Key string           `json:"key,omitempty"`
	Err *ValidationError `json:"-"`
}

// MappedRows is the mapper's view of one sheet.
type MappedRows struct {
	Records    []Record
	Invalid    []InvalidRow
	Duplicates []string
	// Seen holds every non-empty key on the sheet, valid or not. A key in
	// Seen is never a delete candidate.
	Seen map[string]bool
}

// EntityStatus is what deletion validation knows about one database row.
type EntityStatus struct {
	Exists         bool
	Deleted        bool
	ContractStatus string
	LastActivity   *time.Time
}

// DeletionRequest is a validated soft delete handed to the store.
type DeletionRequest struct {
	Entity    EntityDefinition
	Children  []ResolvedChild
	Key       string
	DeletedAt time.Time
	DeletedBy string
	Reason    string
	RunID     string
	Warnings  []string
}

// ResolvedChild is a ChildRelation with its definition looked up.
type ResolvedChild struct {
	Entity     EntityDefinition
	ForeignKey string
}

// ErrEntityNotFound is returned by stores when a key is missing or already
// soft-deleted.
var ErrEntityNotFound = errors.New("entity not found")

// SheetReader reads a sheet range as rows of cells. The first row is the header.
type SheetReader interface {
	ReadRows(ctx context.Context, sheetRange string) ([][]string, error)
}

// RowMapper converts raw sheet rows into records.
type RowMapper interface {
	MapRows(def EntityDefinition, rows [][]string) (MappedRows, error)
}

// DeletionStore is the part of the store deletion validation needs.
type DeletionStore interface {
	EntityStatus(ctx context.Context, def EntityDefinition, key string) (EntityStatus, error)
	// LiveChildKeys lists live child rows referencing parentKey.
	LiveChildKeys(ctx context.Context, child ResolvedChild, parentKey string) ([]string, error)
	// SoftDelete writes the audit record and soft-deletes the entity and its
	// children in one transaction. It returns ErrEntityNotFound when the key
	// is missing or already deleted.
	SoftDelete(ctx context.Context, req DeletionRequest) (DeletionAudit, error)
}

// Store is the database collaborator.
type Store interface {
	DeletionStore
	ListRecords(ctx context.Context, def EntityDefinition) ([]Record, error)
	Upsert(ctx context.Context, def EntityDefinition, rec Record) error
	ListDeletionAudits(ctx context.Context, filter AuditFilter) (AuditPage, error)
}

// RunLock guards the reconciliation cycle. acquired is false when another
// runner holds the lock.
type RunLock interface {
	TryLock(ctx context.Context) (release func(), acquired bool, err error)
}
