package core

import (
	"time"

	"github.com/google/uuid"
)

// DefaultAuditLimit is the page size for audit queries without a limit.
const DefaultAuditLimit = 50

// MaxAuditLimit caps a single audit page.
const MaxAuditLimit = 500

// DeletionAudit is the immutable record written once per executed deletion.
// Snapshot holds the deleted row as it was, which is what recovery needs.
type DeletionAudit struct {
	ID           uuid.UUID      `json:"id"`
	Entity       string         `json:"entity"`
	EntityKey    string         `json:"entityKey"`
	DeletedAt    time.Time      `json:"deletedAt"`
	DeletedBy    string         `json:"deletedBy"`
	CanRecover   bool           `json:"canRecover"`
	Snapshot     map[string]any `json:"snapshot,omitempty"`
	CascadedKeys []string       `json:"cascadedKeys,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	RunID        string         `json:"runId,omitempty"`
	Warnings     []string       `json:"warnings,omitempty"`
}

// NewDeletionAudit builds the audit record for req. CanRecover requires a
// non-empty snapshot of the deleted row.
func NewDeletionAudit(req DeletionRequest, snapshot map[string]any, cascaded []string) DeletionAudit {
	return DeletionAudit{
		ID:           uuid.New(),
		Entity:       req.Entity.Name,
		EntityKey:    req.Key,
		DeletedAt:    req.DeletedAt,
		DeletedBy:    req.DeletedBy,
		CanRecover:   len(snapshot) > 0,
		Snapshot:     snapshot,
		CascadedKeys: cascaded,
		Reason:       req.Reason,
		RunID:        req.RunID,
		Warnings:     req.Warnings,
	}
}

// AuditFilter selects deletion audit records. Empty fields match everything.
type AuditFilter struct {
	Entity    string
	EntityKey string
	RunID     string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// Normalize applies the default and maximum page size.
func (f AuditFilter) Normalize() AuditFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultAuditLimit
	}
	if f.Limit > MaxAuditLimit {
		f.Limit = MaxAuditLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// AuditPage is one page of deletion audit records, newest first.
type AuditPage struct {
	Entries    []DeletionAudit `json:"entries"`
	TotalCount int64           `json:"totalCount"`
	Page       int             `json:"page"`
	PageSize   int             `json:"pageSize"`
	TotalPages int             `json:"totalPages"`
}

// NewAuditPage computes pagination for entries returned under f.
func NewAuditPage(entries []DeletionAudit, total int64, f AuditFilter) AuditPage {
	f = f.Normalize()
	totalPages := int((total + int64(f.Limit) - 1) / int64(f.Limit))
	if totalPages < 1 {
		totalPages = 1
	}
	if entries == nil {
		entries = []DeletionAudit{}
	}
	return AuditPage{
		Entries:    entries,
		TotalCount: total,
		Page:       f.Offset/f.Limit + 1,
		PageSize:   f.Limit,
		TotalPages: totalPages,
	}
}
