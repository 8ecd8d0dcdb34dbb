package mapping

// convert.go cleans spreadsheet cells and converts them to PostgreSQL types.
//
// Sheet cells arrive as display strings, so the same value can be typed many
// ways:
//   - dates in US, EU or ISO order, with 2 or 4 digit years
//   - amounts with currency symbols, thousands separators or (accounting) negatives
//   - booleans as yes/no, true/false, y/n or 1/0
//   - formula prefixes (="...") and stray quotes from pasted data
//
// Normalize turns a cell into the canonical string the change detector and
// the store agree on. The ToPg* functions return Valid=false for empty or
// invalid input so the database stores NULL.

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// numericRegex accepts integers, decimals and scientific notation after cleanup.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// TwoDigitYearPivot is how far into the future a 2-digit year may land
// before it is read as last century.
var TwoDigitYearPivot = 20

var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "January 2, 2006", "2 Jan 2006",
		"20060102",
	}
)

// CleanCell removes common spreadsheet artifacts from a cell value:
// whitespace, a formula prefix (="..." or =...) and surrounding quotes.
func CleanCell(s string) string {
	s = strings.TrimSpace(strings.TrimPrefix(s, "\ufeff"))

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	return strings.TrimSpace(strings.Trim(s, `"'`))
}

// HeaderIndex maps a lowercased header to its column position.
type HeaderIndex map[string]int

// MakeHeaderIndex indexes a header row for case-insensitive lookup. The
// first occurrence of a repeated header wins.
func MakeHeaderIndex(header []string) HeaderIndex {
	idx := make(HeaderIndex, len(header))
	for i, h := range header {
		key := strings.ToLower(CleanCell(h))
		if key == "" {
			continue
		}
		if _, dup := idx[key]; !dup {
			idx[key] = i
		}
	}
	return idx
}

// Lookup returns the position of header, ignoring case.
func (h HeaderIndex) Lookup(header string) (int, bool) {
	i, ok := h[strings.ToLower(strings.TrimSpace(header))]
	return i, ok
}

// Normalize cleans a cell and converts it to the canonical form for its
// field: dates as YYYY-MM-DD, numbers without symbols or separators, bools
// as true/false and enums as their configured spelling. Empty stays empty.
func Normalize(raw string, spec core.FieldSpec) (string, error) {
	s := CleanCell(raw)
	if s == "" {
		return "", nil
	}

	switch spec.Type {
	case core.FieldNumeric:
		n, ok := cleanNumeric(s)
		if !ok {
			return "", fmt.Errorf("invalid number %q", s)
		}
		return n, nil
	case core.FieldDate:
		d := ToPgDate(s)
		if !d.Valid {
			return "", fmt.Errorf("invalid date %q (use YYYY-MM-DD or similar)", s)
		}
		return d.Time.Format("2006-01-02"), nil
	case core.FieldBool:
		b := ToPgBool(s)
		if !b.Valid {
			return "", fmt.Errorf("invalid boolean %q (use yes/no, true/false or 1/0)", s)
		}
		if b.Bool {
			return "true", nil
		}
		return "false", nil
	case core.FieldEnum:
		if len(spec.EnumValues) == 0 {
			return s, nil
		}
		for _, ev := range spec.EnumValues {
			if strings.EqualFold(ev, s) {
				return ev, nil
			}
		}
		return "", fmt.Errorf("value %q must be one of: %s", s, strings.Join(spec.EnumValues, ", "))
	}
	return s, nil
}

// cleanNumeric strips currency symbols and thousands separators and turns
// accounting negatives "(12.50)" into "-12.50".
func cleanNumeric(s string) (string, bool) {
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = strings.NewReplacer("$", "", "\u20ac", "", "\u00a3", "", ",", "", " ", "").Replace(s)
	if negative {
		s = "-" + s
	}
	if !numericRegex.MatchString(s) {
		return "", false
	}
	return s, true
}

// ToPgText converts a string to pgtype.Text; blank is NULL.
func ToPgText(s string) pgtype.Text {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

// ToPgDate parses the supported date layouts. Four-digit years are tried
// first since they are unambiguous.
func ToPgDate(s string) pgtype.Date {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Date{}
	}

	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return pgtype.Date{Time: dateOnly(t), Valid: true}
		}
	}

	pivotYear := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return pgtype.Date{Time: dateOnly(t), Valid: true}
		}
	}

	return pgtype.Date{}
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ToPgNumeric converts a cleaned or raw amount to pgtype.Numeric.
func ToPgNumeric(s string) pgtype.Numeric {
	s, ok := cleanNumeric(strings.TrimSpace(s))
	if !ok {
		return pgtype.Numeric{}
	}
	var n pgtype.Numeric
	if err := n.Scan(s); err != nil {
		return pgtype.Numeric{}
	}
	return n
}

// ToPgBool accepts true/false, yes/no, t/f, y/n and 1/0.
func ToPgBool(s string) pgtype.Bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "yes", "y", "1":
		return pgtype.Bool{Bool: true, Valid: true}
	case "false", "f", "no", "n", "0":
		return pgtype.Bool{Bool: false, Valid: true}
	}
	return pgtype.Bool{}
}

// ToPgValue converts a normalized value to the pgtype matching the field's
// type, for use as a query argument.
func ToPgValue(t core.FieldType, s string) any {
	switch t {
	case core.FieldNumeric:
		return ToPgNumeric(s)
	case core.FieldDate:
		return ToPgDate(s)
	case core.FieldBool:
		return ToPgBool(s)
	default:
		return ToPgText(s)
	}
}
