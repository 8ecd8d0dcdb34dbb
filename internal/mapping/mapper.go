package mapping

// mapper.go converts a sheet (header row plus data rows) into records.
//
// Structural problems fail the whole sheet: a missing header row, key
// column or required column means the read cannot be trusted, and the
// entity is skipped for the cycle. Problems in a single row only reject
// that row; its key still counts as present on the sheet.

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

var errRequiredEmpty = errors.New("required field is empty")

// Mapper implements core.RowMapper.
type Mapper struct{}

// NewMapper returns a Mapper.
func NewMapper() *Mapper { return &Mapper{} }

// MapRows maps rows[0] as the header and the rest as data. Row numbers in
// the result are 1-based sheet rows.
func (m *Mapper) MapRows(def core.EntityDefinition, rows [][]string) (core.MappedRows, error) {
	out := core.MappedRows{Seen: make(map[string]bool)}
	if len(rows) == 0 {
		return out, core.NewValidationError(
			fmt.Sprintf("sheet %s has no header row", def.SheetRange),
			map[string]string{def.KeyHeader: "missing header row"},
		)
	}

	idx := MakeHeaderIndex(rows[0])
	columns, err := resolveColumns(def, idx)
	if err != nil {
		return out, err
	}
	keyPos := columns[def.KeyColumn]

	for i, row := range rows[1:] {
		rowNum := i + 2
		if blankRow(row) {
			continue
		}

		key := CleanCell(cell(row, keyPos))
		if key == "" {
			out.Invalid = append(out.Invalid, core.InvalidRow{
				Row: rowNum,
				Err: core.NewValidationError(
					fmt.Sprintf("row %d has no %s", rowNum, def.KeyHeader),
					map[string]string{def.KeyColumn: "required field is empty"},
				),
			})
			continue
		}

		if out.Seen[key] {
			out.Duplicates = append(out.Duplicates, key)
			continue
		}
		out.Seen[key] = true

		rec, fieldErrs := mapRow(def, columns, row, key)
		if len(fieldErrs) > 0 {
			ve := core.NewValidationError(fmt.Sprintf("row %d (%s) rejected", rowNum, key), fieldErrs)
			ve.WithDetail("row", rowNum)
			ve.WithDetail("entity_key", key)
			out.Invalid = append(out.Invalid, core.InvalidRow{Row: rowNum, Key: key, Err: ve})
			continue
		}
		out.Records = append(out.Records, rec)
	}

	return out, nil
}

// resolveColumns finds the position of each mapped column in the header.
// Optional columns absent from the sheet are left out.
func resolveColumns(def core.EntityDefinition, idx HeaderIndex) (map[string]int, error) {
	columns := make(map[string]int, len(def.Fields))
	missing := make(map[string]string)

	keyPos, ok := idx.Lookup(def.KeyHeader)
	if !ok {
		missing[def.KeyHeader] = "missing key column"
	} else {
		columns[def.KeyColumn] = keyPos
	}

	for _, f := range def.Fields {
		if f.Column == def.KeyColumn {
			continue
		}
		pos, ok := idx.Lookup(f.Header)
		if !ok {
			if f.Required {
				missing[f.Header] = "missing required column"
			}
			continue
		}
		columns[f.Column] = pos
	}

	if len(missing) > 0 {
		headers := make([]string, 0, len(missing))
		for h := range missing {
			headers = append(headers, h)
		}
		sort.Strings(headers)
		return nil, core.NewValidationError(
			fmt.Sprintf("sheet %s is missing columns: %s", def.SheetRange, strings.Join(headers, ", ")),
			missing,
		)
	}
	return columns, nil
}

func mapRow(def core.EntityDefinition, columns map[string]int, row []string, key string) (core.Record, map[string]string) {
	rec := core.Record{Key: key, Fields: make(map[string]string, len(columns))}
	var fieldErrs map[string]string

	for _, f := range def.Fields {
		pos, ok := columns[f.Column]
		if !ok || f.Column == def.KeyColumn {
			continue
		}

		value, err := Normalize(cell(row, pos), f)
		if err == nil && value == "" && f.Required {
			err = errRequiredEmpty
		}
		if err != nil {
			if fieldErrs == nil {
				fieldErrs = make(map[string]string)
			}
			fieldErrs[f.Column] = err.Error()
			continue
		}
		rec.Fields[f.Column] = value
	}
	return rec, fieldErrs
}

// cell returns row[pos], or "" for cells past the end of a short row. The
// Sheets API trims trailing empty cells.
func cell(row []string, pos int) string {
	if pos < len(row) {
		return row[pos]
	}
	return ""
}

func blankRow(row []string) bool {
	for _, c := range row {
		if CleanCell(c) != "" {
			return false
		}
	}
	return true
}
