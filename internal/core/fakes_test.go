package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// fakeClock advances instantly: After moves time forward by d and returns a
// ready channel, recording every wait.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// memRow is one row of memStore.
type memRow struct {
	fields   map[string]string
	deleted  bool
	contract string
	activity *time.Time
}

// memStore is an in-memory Store keyed by entity name and business key.
type memStore struct {
	mu        sync.Mutex
	rows      map[string]map[string]*memRow
	audits    []DeletionAudit
	failList  error
	failWrite map[string]error // by key
	upserts   int
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]map[string]*memRow), failWrite: make(map[string]error)}
}

func (m *memStore) put(entity, key string, fields map[string]string) *memRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[entity] == nil {
		m.rows[entity] = make(map[string]*memRow)
	}
	row := &memRow{fields: fields}
	m.rows[entity][key] = row
	return row
}

func (m *memStore) liveKeys(entity string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k, r := range m.rows[entity] {
		if !r.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *memStore) auditCount(entity, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.audits {
		if a.Entity == entity && a.EntityKey == key {
			n++
		}
	}
	return n
}

func (m *memStore) ListRecords(_ context.Context, def EntityDefinition) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failList != nil {
		return nil, m.failList
	}
	var out []Record
	for k, r := range m.rows[def.Name] {
		if r.deleted {
			continue
		}
		fields := make(map[string]string, len(r.fields))
		for c, v := range r.fields {
			fields[c] = v
		}
		out = append(out, Record{Key: k, Fields: fields})
	}
	return out, nil
}

func (m *memStore) Upsert(_ context.Context, def EntityDefinition, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failWrite[rec.Key]; err != nil {
		return err
	}
	if m.rows[def.Name] == nil {
		m.rows[def.Name] = make(map[string]*memRow)
	}
	fields := make(map[string]string, len(rec.Fields))
	for c, v := range rec.Fields {
		fields[c] = v
	}
	m.rows[def.Name][rec.Key] = &memRow{fields: fields}
	m.upserts++
	return nil
}

func (m *memStore) EntityStatus(_ context.Context, def EntityDefinition, key string) (EntityStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[def.Name][key]
	if !ok {
		return EntityStatus{}, nil
	}
	return EntityStatus{Exists: true, Deleted: r.deleted, ContractStatus: r.contract, LastActivity: r.activity}, nil
}

func (m *memStore) LiveChildKeys(_ context.Context, child ResolvedChild, parentKey string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k, r := range m.rows[child.Entity.Name] {
		if !r.deleted && r.fields[child.ForeignKey] == parentKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memStore) SoftDelete(_ context.Context, req DeletionRequest) (DeletionAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failWrite[req.Key]; err != nil {
		return DeletionAudit{}, err
	}
	r, ok := m.rows[req.Entity.Name][req.Key]
	if !ok || r.deleted {
		return DeletionAudit{}, ErrEntityNotFound
	}
	snapshot := map[string]any{}
	for c, v := range r.fields {
		snapshot[c] = v
	}
	r.deleted = true

	var cascaded []string
	for _, child := range req.Children {
		for k, cr := range m.rows[child.Entity.Name] {
			if !cr.deleted && cr.fields[child.ForeignKey] == req.Key {
				cr.deleted = true
				cascaded = append(cascaded, fmt.Sprintf("%s:%s", child.Entity.Name, k))
			}
		}
	}
	sort.Strings(cascaded)

	audit := NewDeletionAudit(req, snapshot, cascaded)
	m.audits = append(m.audits, audit)
	return audit, nil
}

func (m *memStore) ListDeletionAudits(_ context.Context, f AuditFilter) (AuditPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeletionAudit
	for _, a := range m.audits {
		if f.Entity != "" && a.Entity != f.Entity {
			continue
		}
		out = append(out, a)
	}
	return NewAuditPage(out, int64(len(out)), f), nil
}

// fakeSheets serves fixed rows per range.
type fakeSheets struct {
	mu    sync.Mutex
	rows  map[string][][]string
	err   error
	reads int
}

func (f *fakeSheets) ReadRows(_ context.Context, sheetRange string) ([][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	rows, ok := f.rows[sheetRange]
	if !ok {
		return nil, errors.New("unable to parse range: " + sheetRange)
	}
	return rows, nil
}

// columnMapper maps header names equal to column names, with the key in
// the first column and no validation.
type columnMapper struct{}

func (columnMapper) MapRows(def EntityDefinition, rows [][]string) (MappedRows, error) {
	out := MappedRows{Seen: make(map[string]bool)}
	if len(rows) == 0 {
		return out, errors.New("missing header row")
	}
	header := rows[0]
	for _, row := range rows[1:] {
		if len(row) == 0 || row[0] == "" {
			continue
		}
		rec := Record{Key: row[0], Fields: map[string]string{}}
		for i := 1; i < len(header) && i < len(row); i++ {
			rec.Fields[header[i]] = row[i]
		}
		out.Seen[rec.Key] = true
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

// localLock is a RunLock for tests.
type localLock struct{ mu sync.Mutex }

func (l *localLock) TryLock(context.Context) (func(), bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	return l.mu.Unlock, true, nil
}

func sellerDef() EntityDefinition {
	return EntityDefinition{
		Name:       "seller",
		Table:      "sellers",
		SheetRange: "Sellers!A:Z",
		KeyHeader:  "Seller Number",
		KeyColumn:  "seller_number",
		Order:      1,
		Fields: []FieldSpec{
			{Header: "Seller Number", Column: "seller_number", Type: FieldText, Required: true},
			{Header: "name", Column: "name", Type: FieldText},
			{Header: "asking_price", Column: "asking_price", Type: FieldNumeric},
			{Header: "contract_status", Column: "contract_status", Type: FieldEnum, EnumValues: []string{"none", "active", "pending", "closed"}},
		},
		ActivityColumn:       "last_contact_date",
		ContractColumn:       "contract_status",
		ActiveContractValues: []string{"active", "pending"},
		Children:             []ChildRelation{{Entity: "property", ForeignKey: "seller_number"}},
	}
}

func propertyDef() EntityDefinition {
	return EntityDefinition{
		Name:       "property",
		Table:      "properties",
		SheetRange: "Properties!A:Z",
		KeyHeader:  "Property Number",
		KeyColumn:  "property_number",
		Order:      3,
		Fields: []FieldSpec{
			{Header: "Property Number", Column: "property_number", Type: FieldText, Required: true},
			{Header: "seller_number", Column: "seller_number", Type: FieldText},
		},
		ActivityColumn:       "last_showing_date",
		ContractColumn:       "listing_status",
		ActiveContractValues: []string{"under_contract"},
	}
}
