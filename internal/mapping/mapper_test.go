package mapping

import (
	"errors"
	"reflect"
	"testing"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

func testSeller(t *testing.T) core.EntityDefinition {
	t.Helper()
	for _, def := range Default() {
		if def.Name == "seller" {
			return def
		}
	}
	t.Fatal("no seller in default mapping")
	return core.EntityDefinition{}
}

func TestMapper_MapRows(t *testing.T) {
	def := testSeller(t)
	rows := [][]string{
		{"seller number", "NAME", "Asking Price", "Contract Status", "Last Contact Date", "Unmapped"},
		{"S-1", "Ann", "$1,500.00", "Active", "03/15/2024", "x"},
		{"", "", "", "", ""},
		{"S-2", "Bob", "", "none"},
		{"", "Nobody"},
		{"S-3", "", "12"},
		{"S-4", "Dee", "lots"},
		{"S-1", "Ann again"},
		{"=\"S-5\"", " Eve ", "(250)", "PENDING", "2024-02-01"},
	}

	got, err := NewMapper().MapRows(def, rows)
	if err != nil {
		t.Fatalf("MapRows error = %v", err)
	}

	want := []core.Record{
		{Key: "S-1", Fields: map[string]string{
			"name": "Ann", "asking_price": "1500.00", "contract_status": "active", "last_contact_date": "2024-03-15",
		}},
		{Key: "S-2", Fields: map[string]string{
			"name": "Bob", "asking_price": "", "contract_status": "none", "last_contact_date": "",
		}},
		{Key: "S-5", Fields: map[string]string{
			"name": "Eve", "asking_price": "-250", "contract_status": "pending", "last_contact_date": "2024-02-01",
		}},
	}
	if !reflect.DeepEqual(got.Records, want) {
		t.Errorf("Records =\n%+v\nwant\n%+v", got.Records, want)
	}

	if !reflect.DeepEqual(got.Duplicates, []string{"S-1"}) {
		t.Errorf("Duplicates = %v, want [S-1]", got.Duplicates)
	}

	wantInvalid := map[int]string{5: "", 6: "S-3", 7: "S-4"}
	if len(got.Invalid) != len(wantInvalid) {
		t.Fatalf("Invalid = %+v, want rows 5, 6 and 7", got.Invalid)
	}
	for _, inv := range got.Invalid {
		key, ok := wantInvalid[inv.Row]
		if !ok || inv.Key != key {
			t.Errorf("unexpected invalid row %d key %q", inv.Row, inv.Key)
		}
		if inv.Err == nil || len(inv.Err.FieldErrors) == 0 {
			t.Errorf("row %d has no field errors", inv.Row)
		}
	}

	for _, key := range []string{"S-1", "S-2", "S-3", "S-4", "S-5"} {
		if !got.Seen[key] {
			t.Errorf("Seen[%s] = false", key)
		}
	}
	if got.Seen[""] {
		t.Error("empty key marked as seen")
	}
}

func TestMapper_InvalidCellErrors(t *testing.T) {
	def := testSeller(t)
	rows := [][]string{
		{"Seller Number", "Name", "Asking Price", "Contract Status"},
		{"S-1", "", "abc", "sold out"},
	}

	got, err := NewMapper().MapRows(def, rows)
	if err != nil {
		t.Fatalf("MapRows error = %v", err)
	}
	if len(got.Invalid) != 1 {
		t.Fatalf("Invalid = %+v, want 1 row", got.Invalid)
	}

	fe := got.Invalid[0].Err.FieldErrors
	for _, col := range []string{"name", "asking_price", "contract_status"} {
		if fe[col] == "" {
			t.Errorf("no error for %s in %v", col, fe)
		}
	}
	if got.Invalid[0].Err.Details["entity_key"] != "S-1" {
		t.Errorf("Details = %v, want entity_key S-1", got.Invalid[0].Err.Details)
	}
}

func TestMapper_StructuralErrors(t *testing.T) {
	def := testSeller(t)

	tests := []struct {
		name string
		rows [][]string
	}{
		{"no rows", nil},
		{"missing key column", [][]string{{"Name"}, {"Ann"}}},
		{"missing required column", [][]string{{"Seller Number", "Email"}, {"S-1", "a@b.c"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMapper().MapRows(def, tt.rows)
			var ve *core.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %v, want *core.ValidationError", err)
			}
			if core.FromError(err).Retryable() {
				t.Error("structural error classified as retryable")
			}
		})
	}
}

func TestMapper_HeaderOnly(t *testing.T) {
	got, err := NewMapper().MapRows(testSeller(t), [][]string{{"Seller Number", "Name"}})
	if err != nil {
		t.Fatalf("MapRows error = %v", err)
	}
	if len(got.Records) != 0 || len(got.Invalid) != 0 {
		t.Errorf("got %+v, want an empty snapshot", got)
	}
}
