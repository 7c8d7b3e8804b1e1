package schema

import (
	"fmt"
	"strings"
)

// ColumnBinding is how one raw column is treated: either ResolvedField or
// ExtraColumn.
type ColumnBinding interface {
	RawName() string
	Index() int
	binding()
}

// ResolvedField binds a raw column to a canonical field.
type ResolvedField struct {
	Field    Field
	Raw      string
	Position int
}

func (b ResolvedField) RawName() string { return b.Raw }
func (b ResolvedField) Index() int      { return b.Position }
func (ResolvedField) binding()          {}

// ExtraColumn keeps an unmapped raw column under its original name.
type ExtraColumn struct {
	Raw      string
	Position int
}

func (b ExtraColumn) RawName() string { return b.Raw }
func (b ExtraColumn) Index() int      { return b.Position }
func (ExtraColumn) binding()          {}

// Bind resolves every raw column. A canonical field claimed by an earlier
// column leaves later duplicates as extras. Blank headers become
// extras named column_<n> (1-based).
func Bind(s *CanonicalSchema, columns []string) []ColumnBinding {
	bindings := make([]ColumnBinding, 0, len(columns))
	claimed := make(map[string]bool)
	extraNames := make(map[string]int)

	for i, raw := range columns {
		if i == 0 {
			raw = strings.TrimPrefix(raw, "\ufeff")
		}
		raw = strings.TrimSpace(raw)

		if field, ok := s.match(raw); ok && !claimed[field.Name] {
			claimed[field.Name] = true
			bindings = append(bindings, ResolvedField{Field: field, Raw: raw, Position: i})
			continue
		}

		name := raw
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		// Repeated raw names would collide in the extras map.
		if n := extraNames[name]; n > 0 {
			extraNames[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
		} else {
			extraNames[name] = 1
		}
		bindings = append(bindings, ExtraColumn{Raw: name, Position: i})
	}
	return bindings
}

// MatchedFields maps canonical field names to the raw column bound to them.
func MatchedFields(bindings []ColumnBinding) map[string]string {
	out := make(map[string]string)
	for _, b := range bindings {
		if rf, ok := b.(ResolvedField); ok {
			out[rf.Field.Name] = rf.Raw
		}
	}
	return out
}

// MissingRequired lists required fields that no column is bound to.
func MissingRequired(s *CanonicalSchema, bindings []ColumnBinding) []string {
	matched := MatchedFields(bindings)
	var missing []string
	for _, name := range s.RequiredFields() {
		if _, ok := matched[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// DetectLayout names the richness of a file: results, results+stats or
// results+stats+odds.
func DetectLayout(bindings []ColumnBinding) string {
	matched := MatchedFields(bindings)
	layout := "results"
	if _, ok := matched["home_shots"]; ok {
		layout += "+stats"
	}
	for _, f := range []string{"odds_home", "avg_odds_home"} {
		if _, ok := matched[f]; ok {
			return layout + "+odds"
		}
	}
	return layout
}
