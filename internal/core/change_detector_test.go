package core

import (
	"reflect"
	"testing"
)

func rec(key string, kv ...string) Record {
	fields := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i]] = kv[i+1]
	}
	return Record{Key: key, Fields: fields}
}

func TestChangeDetector_Detect(t *testing.T) {
	def := sellerDef()

	tests := []struct {
		name        string
		sheet       []Record
		db          []Record
		wantCreated []string
		wantUpdated []string
		wantDeleted []string
		wantDups    []string
	}{
		{
			name:        "create update delete",
			sheet:       []Record{rec("A", "name", "Ann"), rec("B", "name", "Bob Jr"), rec("C", "name", "Cy")},
			db:          []Record{rec("A", "name", "Ann"), rec("B", "name", "Bob"), rec("D", "name", "Di")},
			wantCreated: []string{"C"},
			wantUpdated: []string{"B"},
			wantDeleted: []string{"D"},
		},
		{
			name:  "identical snapshots",
			sheet: []Record{rec("A", "name", "Ann"), rec("B", "name", "Bob")},
			db:    []Record{rec("B", "name", "Bob"), rec("A", "name", "Ann")},
		},
		{
			name:        "empty sheet deletes everything",
			db:          []Record{rec("B"), rec("A")},
			wantDeleted: []string{"A", "B"},
		},
		{
			name:        "empty database creates everything",
			sheet:       []Record{rec("B"), rec("A")},
			wantCreated: []string{"B", "A"},
		},
		{
			name:  "numeric and enum equality",
			sheet: []Record{rec("A", "asking_price", "1500", "contract_status", "Active")},
			db:    []Record{rec("A", "asking_price", "1500.00", "contract_status", "active")},
		},
		{
			name:  "columns missing from the sheet are not compared",
			sheet: []Record{rec("A", "name", "Ann")},
			db:    []Record{rec("A", "name", "Ann", "asking_price", "99")},
		},
		{
			name:  "untracked and volatile columns are ignored",
			sheet: []Record{rec("A", "name", "Ann", "notes", "new")},
			db:    []Record{rec("A", "name", "Ann", "notes", "old", "updated_at", "2024-01-01")},
		},
		{
			name:        "blank value differs from a value",
			sheet:       []Record{rec("A", "asking_price", "")},
			db:          []Record{rec("A", "asking_price", "100")},
			wantUpdated: []string{"A"},
		},
		{
			name:     "duplicate key keeps first row",
			sheet:    []Record{rec("A", "name", "Ann"), rec("A", "name", "Other")},
			db:       []Record{rec("A", "name", "Ann")},
			wantDups: []string{"A"},
		},
		{
			name:        "records without a key are ignored",
			sheet:       []Record{rec("", "name", "Nobody"), rec("A")},
			db:          []Record{rec(""), rec("B")},
			wantCreated: []string{"A"},
			wantDeleted: []string{"B"},
		},
	}

	d := NewChangeDetector()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := d.Detect(def, tt.sheet, tt.db)

			if cs.Entity != "seller" {
				t.Errorf("Entity = %q, want seller", cs.Entity)
			}
			if got := cs.CreatedKeys(); !sameKeys(got, tt.wantCreated) {
				t.Errorf("Created = %v, want %v", got, tt.wantCreated)
			}
			if got := cs.UpdatedKeys(); !sameKeys(got, tt.wantUpdated) {
				t.Errorf("Updated = %v, want %v", got, tt.wantUpdated)
			}
			if !sameKeys(cs.Deleted, tt.wantDeleted) {
				t.Errorf("Deleted = %v, want %v", cs.Deleted, tt.wantDeleted)
			}
			if !sameKeys(cs.Duplicates, tt.wantDups) {
				t.Errorf("Duplicates = %v, want %v", cs.Duplicates, tt.wantDups)
			}

			wantEmpty := len(tt.wantCreated)+len(tt.wantUpdated)+len(tt.wantDeleted) == 0
			if cs.Empty() != wantEmpty {
				t.Errorf("Empty() = %v, want %v", cs.Empty(), wantEmpty)
			}
		})
	}
}

func TestChangeDetector_Diffs(t *testing.T) {
	cs := NewChangeDetector().Detect(sellerDef(),
		[]Record{rec("A", "name", "Ann B", "asking_price", "200")},
		[]Record{rec("A", "name", "Ann", "asking_price", "200.0")},
	)

	if len(cs.Updated) != 1 {
		t.Fatalf("Updated = %d records, want 1", len(cs.Updated))
	}
	want := []FieldDiff{{Column: "name", Sheet: "Ann B", DB: "Ann"}}
	if got := cs.Updated[0].Diffs; !reflect.DeepEqual(got, want) {
		t.Errorf("Diffs = %+v, want %+v", got, want)
	}
}

func TestChangeDetector_DisjointSets(t *testing.T) {
	sheet := []Record{rec("A", "name", "1"), rec("B", "name", "2"), rec("C", "name", "3")}
	db := []Record{rec("B", "name", "x"), rec("C", "name", "3"), rec("D", "name", "4")}

	cs := NewChangeDetector().Detect(sellerDef(), sheet, db)

	seen := map[string]string{}
	for set, keys := range map[string][]string{
		"created": cs.CreatedKeys(),
		"updated": cs.UpdatedKeys(),
		"deleted": cs.Deleted,
	} {
		for _, k := range keys {
			if prev, ok := seen[k]; ok {
				t.Errorf("key %s in both %s and %s", k, prev, set)
			}
			seen[k] = set
		}
	}
}

func TestFieldType_Equal(t *testing.T) {
	tests := []struct {
		typ  FieldType
		a, b string
		want bool
	}{
		{FieldText, "Ann", "Ann", true},
		{FieldText, " Ann ", "Ann", true},
		{FieldText, "Ann", "ann", false},
		{FieldText, "", "x", false},
		{FieldEnum, "Active", "active", true},
		{FieldEnum, "active", "pending", false},
		{FieldNumeric, "1500", "1500.00", true},
		{FieldNumeric, "0.10", "0.1", true},
		{FieldNumeric, "1500", "1501", false},
		{FieldNumeric, "abc", "abc ", true},
		{FieldNumeric, "abc", "1", false},
		{FieldDate, "2024-01-05", "2024-01-05T00:00:00Z", true},
		{FieldDate, "2024-01-05", "2024-01-05 09:30:00", true},
		{FieldDate, "2024-01-05", "2024-01-06", false},
		{FieldBool, "true", "TRUE", true},
		{FieldBool, "1", "true", true},
		{FieldBool, "false", "true", false},
	}

	for _, tt := range tests {
		if got := tt.typ.Equal(tt.a, tt.b); got != tt.want {
			t.Errorf("%s.Equal(%q, %q) = %v, want %v", tt.typ, tt.a, tt.b, got, tt.want)
		}
	}
}

func TestParseFieldType(t *testing.T) {
	tests := []struct {
		in     string
		want   FieldType
		wantOK bool
	}{
		{"", FieldText, true},
		{"Text", FieldText, true},
		{"enum", FieldEnum, true},
		{"date", FieldDate, true},
		{"money", FieldNumeric, true},
		{"boolean", FieldBool, true},
		{"uuid", FieldText, false},
	}

	for _, tt := range tests {
		got, ok := ParseFieldType(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseFieldType(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

// sameKeys compares key lists treating nil and empty as equal.
func sameKeys(got, want []string) bool {
	if len(got) == 0 && len(want) == 0 {
		return true
	}
	return reflect.DeepEqual(got, want)
}
