// Package mapping turns spreadsheet rows into core records.
//
// Entity definitions come from a YAML mapping file; the embedded
// default.yaml describes the seller, buyer and property sheets.
package mapping

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

//go:embed default.yaml
var defaultMapping []byte

// File is the YAML mapping document.
type File struct {
	Entities []EntityConfig `yaml:"entities"`
}

// EntityConfig is one entity in the mapping file.
type EntityConfig struct {
	Name           string          `yaml:"name"`
	Table          string          `yaml:"table"`
	SheetRange     string          `yaml:"sheet_range"`
	Order          int             `yaml:"order"`
	Key            KeyConfig       `yaml:"key"`
	ActivityColumn string          `yaml:"activity_column"`
	Contract       *ContractConfig `yaml:"contract"`
	Children       []ChildConfig   `yaml:"children"`
	Fields         []FieldConfig   `yaml:"fields"`
}

type KeyConfig struct {
	Header string `yaml:"header"`
	Column string `yaml:"column"`
}

type ContractConfig struct {
	Column       string   `yaml:"column"`
	ActiveValues []string `yaml:"active_values"`
}

type ChildConfig struct {
	Entity     string `yaml:"entity"`
	ForeignKey string `yaml:"foreign_key"`
}

type FieldConfig struct {
	Header   string   `yaml:"header"`
	Column   string   `yaml:"column"`
	Type     string   `yaml:"type"`
	Required bool     `yaml:"required"`
	Values   []string `yaml:"values"`
}

// Load reads entity definitions from path, or the embedded default when
// path is empty.
func Load(path string) ([]core.EntityDefinition, error) {
	if path == "" {
		return Parse(defaultMapping)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// Default returns the embedded entity definitions.
func Default() []core.EntityDefinition {
	defs, err := Parse(defaultMapping)
	if err != nil {
		panic(fmt.Sprintf("embedded mapping is invalid: %v", err))
	}
	return defs
}

// Parse decodes a mapping document and converts it to entity definitions.
// Every problem found is reported, not just the first.
func Parse(data []byte) ([]core.EntityDefinition, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse mapping: %w", err)
	}
	if len(f.Entities) == 0 {
		return nil, errors.New("mapping defines no entities")
	}

	var errs []string
	defs := make([]core.EntityDefinition, 0, len(f.Entities))
	for _, ec := range f.Entities {
		def, problems := ec.definition()
		errs = append(errs, problems...)
		defs = append(defs, def)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid mapping:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return defs, nil
}

func (ec EntityConfig) definition() (core.EntityDefinition, []string) {
	var problems []string
	def := core.EntityDefinition{
		Name:           ec.Name,
		Table:          ec.Table,
		SheetRange:     ec.SheetRange,
		KeyHeader:      ec.Key.Header,
		KeyColumn:      ec.Key.Column,
		Order:          ec.Order,
		ActivityColumn: ec.ActivityColumn,
	}
	if ec.Contract != nil {
		def.ContractColumn = ec.Contract.Column
		def.ActiveContractValues = ec.Contract.ActiveValues
	}
	for _, c := range ec.Children {
		def.Children = append(def.Children, core.ChildRelation{Entity: c.Entity, ForeignKey: c.ForeignKey})
	}

	name := ec.Name
	if name == "" {
		name = "(unnamed)"
		problems = append(problems, "entity without a name")
	}
	for _, ident := range []struct{ what, v string }{
		{"table", ec.Table},
		{"key column", ec.Key.Column},
	} {
		if !validIdentifier(ident.v) {
			problems = append(problems, fmt.Sprintf("%s: %s %q is not a valid identifier", name, ident.what, ident.v))
		}
	}
	if ec.Key.Header == "" {
		problems = append(problems, name+": key header is required")
	}
	if ec.SheetRange == "" {
		problems = append(problems, name+": sheet_range is required")
	}

	// The key is always the first, required text field.
	def.Fields = append(def.Fields, core.FieldSpec{
		Header:   ec.Key.Header,
		Column:   ec.Key.Column,
		Type:     core.FieldText,
		Required: true,
	})

	seen := map[string]bool{strings.ToLower(ec.Key.Column): true}
	for _, fc := range ec.Fields {
		if !validIdentifier(fc.Column) {
			problems = append(problems, fmt.Sprintf("%s: column %q is not a valid identifier", name, fc.Column))
			continue
		}
		if seen[strings.ToLower(fc.Column)] {
			problems = append(problems, fmt.Sprintf("%s: column %q mapped twice", name, fc.Column))
			continue
		}
		seen[strings.ToLower(fc.Column)] = true

		typ, ok := core.ParseFieldType(fc.Type)
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: column %q has unknown type %q", name, fc.Column, fc.Type))
		}
		if typ == core.FieldEnum && len(fc.Values) == 0 {
			problems = append(problems, fmt.Sprintf("%s: enum column %q needs values", name, fc.Column))
		}
		header := fc.Header
		if header == "" {
			header = fc.Column
		}
		def.Fields = append(def.Fields, core.FieldSpec{
			Header:     header,
			Column:     fc.Column,
			Type:       typ,
			Required:   fc.Required,
			EnumValues: fc.Values,
		})
	}

	if def.ContractColumn != "" && !seen[strings.ToLower(def.ContractColumn)] {
		problems = append(problems, fmt.Sprintf("%s: contract column %q is not a mapped field", name, def.ContractColumn))
	}
	if def.ActivityColumn != "" && !seen[strings.ToLower(def.ActivityColumn)] {
		problems = append(problems, fmt.Sprintf("%s: activity column %q is not a mapped field", name, def.ActivityColumn))
	}

	return def, problems
}

// validIdentifier accepts lower-case SQL identifiers, since table and column
// names are interpolated into queries.
func validIdentifier(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
