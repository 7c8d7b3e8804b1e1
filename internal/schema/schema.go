// Package schema maps raw season files onto the canonical match schema.
package schema

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// FieldType is the coercion applied to a canonical field.
type FieldType string

const (
	TypeText    FieldType = "text"
	TypeInt     FieldType = "int"
	TypeDecimal FieldType = "decimal"
	TypeDate    FieldType = "date"
)

// Canonical field names the rest of the pipeline reads.
const (
	FieldDivision          = "division"
	FieldDate              = "date"
	FieldKickoff           = "kickoff"
	FieldHomeTeam          = "home_team"
	FieldAwayTeam          = "away_team"
	FieldFullTimeHomeGoals = "full_time_home_goals"
	FieldFullTimeAwayGoals = "full_time_away_goals"
	FieldFullTimeResult    = "full_time_result"
	FieldHalfTimeHomeGoals = "half_time_home_goals"
	FieldHalfTimeAwayGoals = "half_time_away_goals"
	FieldHalfTimeResult    = "half_time_result"
	FieldReferee           = "referee"
	FieldAttendance        = "attendance"
)

// Field describes one canonical column.
type Field struct {
	Name     string    `yaml:"name" json:"name"`
	Type     FieldType `yaml:"type" json:"type"`
	Required bool      `yaml:"required" json:"required"`
	Synonyms []string  `yaml:"synonyms" json:"synonyms,omitempty"`
}

// CanonicalSchema is the versioned target layout. It is built once and
// passed to the stages that need it; it is never mutated after Load.
type CanonicalSchema struct {
	version     string
	fields      []Field
	dateLayouts []string
	byName      map[string]int
	bySynonym   map[string]int
}

type schemaFile struct {
	Version     string   `yaml:"version"`
	DateLayouts []string `yaml:"date_layouts"`
	Fields      []Field  `yaml:"fields"`
}

//go:embed default_schema.yaml
var defaultSchemaYAML []byte

// Default returns the built-in football-data.co.uk schema.
func Default() *CanonicalSchema {
	s, err := Load(defaultSchemaYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded schema: %v", err))
	}
	return s
}

// LoadFile reads a schema YAML file; an empty path yields Default.
func LoadFile(path string) (*CanonicalSchema, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	return Load(data)
}

// Load parses and validates a schema definition.
func Load(data []byte) (*CanonicalSchema, error) {
	var file schemaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if strings.TrimSpace(file.Version) == "" {
		return nil, fmt.Errorf("schema version is required")
	}
	if len(file.DateLayouts) == 0 {
		file.DateLayouts = []string{"02/01/2006", "02/01/06", "2006-01-02"}
	}

	s := &CanonicalSchema{
		version:     file.Version,
		dateLayouts: append([]string(nil), file.DateLayouts...),
		byName:      make(map[string]int, len(file.Fields)),
		bySynonym:   make(map[string]int),
	}
	for i, f := range file.Fields {
		f.Name = strings.TrimSpace(f.Name)
		if f.Name == "" {
			return nil, fmt.Errorf("schema field %d has no name", i)
		}
		switch f.Type {
		case TypeText, TypeInt, TypeDecimal, TypeDate:
		case "":
			f.Type = TypeText
		default:
			return nil, fmt.Errorf("schema field %s: unknown type %q", f.Name, f.Type)
		}
		key := normalizeName(f.Name)
		if _, dup := s.byName[key]; dup {
			return nil, fmt.Errorf("schema field %s declared twice", f.Name)
		}
		s.byName[key] = len(s.fields)
		for _, syn := range f.Synonyms {
			synKey := normalizeName(syn)
			if prev, dup := s.bySynonym[synKey]; dup && prev != len(s.fields) {
				return nil, fmt.Errorf("synonym %q maps to both %s and %s", syn, s.fields[prev].Name, f.Name)
			}
			s.bySynonym[synKey] = len(s.fields)
		}
		f.Synonyms = append([]string(nil), f.Synonyms...)
		s.fields = append(s.fields, f)
	}

	for _, required := range []string{FieldDate, FieldHomeTeam, FieldAwayTeam, FieldFullTimeHomeGoals, FieldFullTimeAwayGoals} {
		if _, ok := s.byName[required]; !ok {
			return nil, fmt.Errorf("schema is missing core field %s", required)
		}
	}
	return s, nil
}

func (s *CanonicalSchema) Version() string {
	return s.version
}

// Fields returns a copy of the field list in declaration order.
func (s *CanonicalSchema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// DateLayouts returns the accepted date layouts in priority order.
func (s *CanonicalSchema) DateLayouts() []string {
	return append([]string(nil), s.dateLayouts...)
}

// Field looks a canonical field up by name.
func (s *CanonicalSchema) Field(name string) (Field, bool) {
	i, ok := s.byName[normalizeName(name)]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// RequiredFields lists the fields an artifact must provide.
func (s *CanonicalSchema) RequiredFields() []string {
	var out []string
	for _, f := range s.fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// match resolves a raw header: exact canonical name first, then synonyms.
func (s *CanonicalSchema) match(raw string) (Field, bool) {
	key := normalizeName(raw)
	if key == "" {
		return Field{}, false
	}
	if i, ok := s.byName[key]; ok {
		return s.fields[i], true
	}
	if i, ok := s.bySynonym[key]; ok {
		return s.fields[i], true
	}
	return Field{}, false
}

func normalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimPrefix(name, "\ufeff") {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
