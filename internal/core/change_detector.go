package core

import "sort"

// volatileColumns are database-managed and never compared.
var volatileColumns = map[string]bool{
	"id":         true,
	"created_at": true,
	"updated_at": true,
	"deleted_at": true,
	"synced_at":  true,
}

// FieldDiff is one tracked column that differs between sheet and database.
type FieldDiff struct {
	Column string `json:"column"`
	Sheet  string `json:"sheet"`
	DB     string `json:"db"`
}

// RecordChange is an update candidate with the columns that changed.
type RecordChange struct {
	Record Record
	Diffs  []FieldDiff
}

// ChangeSet holds the three disjoint diff sets for one entity. Created and
// Updated follow sheet order; Deleted is sorted.
type ChangeSet struct {
	Entity     string
	Created    []Record
	Updated    []RecordChange
	Deleted    []string
	Duplicates []string
}

// CreatedKeys returns the keys of Created in order.
func (c ChangeSet) CreatedKeys() []string {
	keys := make([]string, len(c.Created))
	for i, r := range c.Created {
		keys[i] = r.Key
	}
	return keys
}

// UpdatedKeys returns the keys of Updated in order.
func (c ChangeSet) UpdatedKeys() []string {
	keys := make([]string, len(c.Updated))
	for i, r := range c.Updated {
		keys[i] = r.Record.Key
	}
	return keys
}

// Empty reports whether nothing changed.
func (c ChangeSet) Empty() bool {
	return len(c.Created) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// ChangeDetector diffs full sheet and database snapshots. It keeps no state
// between calls.
type ChangeDetector struct{}

// NewChangeDetector returns a detector.
func NewChangeDetector() *ChangeDetector { return &ChangeDetector{} }

// Detect compares sheet records against database records of one entity.
// Records without a key are ignored and the first record wins for a
// duplicated key. Only columns present on the sheet record are compared.
func (d *ChangeDetector) Detect(def EntityDefinition, sheet, db []Record) ChangeSet {
	cs := ChangeSet{Entity: def.Name}

	dbByKey := make(map[string]Record, len(db))
	for _, r := range db {
		if r.Key == "" {
			continue
		}
		if _, dup := dbByKey[r.Key]; !dup {
			dbByKey[r.Key] = r
		}
	}

	seen := make(map[string]bool, len(sheet))
	for _, r := range sheet {
		if r.Key == "" {
			continue
		}
		if seen[r.Key] {
			cs.Duplicates = append(cs.Duplicates, r.Key)
			continue
		}
		seen[r.Key] = true

		existing, ok := dbByKey[r.Key]
		if !ok {
			cs.Created = append(cs.Created, r)
			continue
		}
		if diffs := d.diff(def, r, existing); len(diffs) > 0 {
			cs.Updated = append(cs.Updated, RecordChange{Record: r, Diffs: diffs})
		}
	}

	for key := range dbByKey {
		if !seen[key] {
			cs.Deleted = append(cs.Deleted, key)
		}
	}
	sort.Strings(cs.Deleted)

	return cs
}

func (d *ChangeDetector) diff(def EntityDefinition, sheet, db Record) []FieldDiff {
	var diffs []FieldDiff
	for _, f := range def.Fields {
		if f.Column == def.KeyColumn || volatileColumns[f.Column] {
			continue
		}
		sv, present := sheet.Fields[f.Column]
		if !present {
			continue
		}
		dv := db.Fields[f.Column]
		if !f.Type.Equal(sv, dv) {
			diffs = append(diffs, FieldDiff{Column: f.Column, Sheet: sv, DB: dv})
		}
	}
	return diffs
}
