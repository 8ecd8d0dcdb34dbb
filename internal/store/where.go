package store

import (
	"fmt"
	"strings"
)

// WhereBuilder assembles a parameterized WHERE clause. Placeholders are
// numbered in the order conditions are added.
type WhereBuilder struct {
	conditions []string
	args       []any
	argIndex   int
}

// NewWhereBuilder returns an empty builder whose first placeholder is $1.
func NewWhereBuilder() *WhereBuilder {
	return &WhereBuilder{argIndex: 1}
}

// Add appends "column = $n". Empty values are skipped.
func (wb *WhereBuilder) Add(column, value string) {
	if value == "" {
		return
	}
	wb.conditions = append(wb.conditions, fmt.Sprintf("%s = $%d", column, wb.argIndex))
	wb.args = append(wb.args, value)
	wb.argIndex++
}

// AddTimestampRange appends "column >= $n AND column <= $n+1".
func (wb *WhereBuilder) AddTimestampRange(column string, start, end any) {
	wb.conditions = append(wb.conditions,
		fmt.Sprintf("%s >= $%d", column, wb.argIndex),
		fmt.Sprintf("%s <= $%d", column, wb.argIndex+1),
	)
	wb.args = append(wb.args, start, end)
	wb.argIndex += 2
}

// NextArgIndex is the number of the next placeholder, for LIMIT and OFFSET.
func (wb *WhereBuilder) NextArgIndex() int {
	return wb.argIndex
}

// Build returns the clause with a leading " WHERE ", or "" and nil args when
// no condition was added.
func (wb *WhereBuilder) Build() (string, []any) {
	if len(wb.conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(wb.conditions, " AND "), wb.args
}
