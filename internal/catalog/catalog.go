// Package catalog loads the worklist of per-league, per-season source URLs.
package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/socascores/ingester/internal/ingesterr"
	"github.com/socascores/ingester/internal/models"
)

// SourceEntry is one catalog line: where a season's CSV lives.
type SourceEntry struct {
	LeagueID        string `json:"league_id" validate:"required,max=32"`
	SeasonID        string `json:"season_id" validate:"required,max=32"`
	URL             string `json:"url" validate:"required,url,startswith=http"`
	SchemaHint      string `json:"expected_schema_hint,omitempty"`
	CompetitionName string `json:"competition_name,omitempty"`
}

// Season returns the partition key of the entry.
func (e SourceEntry) Season() models.SeasonKey {
	return models.SeasonKey{LeagueID: e.LeagueID, SeasonID: e.SeasonID}
}

// Catalog is an immutable, validated set of entries unique per league and season.
type Catalog struct {
	entries []SourceEntry
	index   map[models.SeasonKey]int
}

var headerAliases = map[string]string{
	"league":               "league",
	"league_id":            "league",
	"competition":          "league",
	"div":                  "league",
	"season":               "season",
	"season_id":            "season",
	"url":                  "url",
	"seasons_url":          "url",
	"source_url":           "url",
	"schema_hint":          "hint",
	"expected_schema_hint": "hint",
	"competition_name":     "name",
}

var validate = validator.New()

// LoadFile reads a catalog CSV from disk.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return Load(f)
}

// Load parses a catalog CSV. Header names are matched case-insensitively.
func Load(r io.Reader) (*Catalog, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ingesterr.Mark(errors.New("catalog is empty"), ingesterr.ErrInvalidInput)
		}
		return nil, fmt.Errorf("read catalog header: %w", err)
	}

	cols := make(map[string]int)
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if canonical, ok := headerAliases[key]; ok {
			if _, dup := cols[canonical]; !dup {
				cols[canonical] = i
			}
		}
	}
	for _, required := range []string{"league", "season", "url"} {
		if _, ok := cols[required]; !ok {
			return nil, ingesterr.Mark(fmt.Errorf("catalog header missing %s column", required), ingesterr.ErrInvalidInput)
		}
	}

	var entries []SourceEntry
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read catalog line %d: %w", line, err)
		}
		if blank(record) {
			continue
		}

		entry := SourceEntry{
			LeagueID:        field(record, cols, "league"),
			SeasonID:        field(record, cols, "season"),
			URL:             field(record, cols, "url"),
			SchemaHint:      field(record, cols, "hint"),
			CompetitionName: field(record, cols, "name"),
		}
		if err := validate.Struct(entry); err != nil {
			return nil, ingesterr.Mark(fmt.Errorf("catalog line %d: %w", line, err), ingesterr.ErrInvalidInput)
		}
		entries = append(entries, entry)
	}

	return New(entries)
}

// New builds a catalog from entries, rejecting duplicates.
func New(entries []SourceEntry) (*Catalog, error) {
	c := &Catalog{
		entries: make([]SourceEntry, 0, len(entries)),
		index:   make(map[models.SeasonKey]int, len(entries)),
	}
	for _, e := range entries {
		if err := validate.Struct(e); err != nil {
			return nil, ingesterr.Mark(fmt.Errorf("catalog entry %s: %w", e.Season(), err), ingesterr.ErrInvalidInput)
		}
		if _, dup := c.index[e.Season()]; dup {
			return nil, ingesterr.Mark(fmt.Errorf("duplicate catalog entry for %s", e.Season()), ingesterr.ErrInvalidInput)
		}
		c.index[e.Season()] = -1
		c.entries = append(c.entries, e)
	}

	sort.SliceStable(c.entries, func(i, j int) bool {
		return c.entries[i].Season().Less(c.entries[j].Season())
	})
	for i, e := range c.entries {
		c.index[e.Season()] = i
	}
	return c, nil
}

// Entries returns a copy of the entries ordered by league then season.
func (c *Catalog) Entries() []SourceEntry {
	out := make([]SourceEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *Catalog) Len() int {
	return len(c.entries)
}

// Lookup finds the entry for one league and season.
func (c *Catalog) Lookup(league, season string) (SourceEntry, bool) {
	i, ok := c.index[models.SeasonKey{LeagueID: league, SeasonID: season}]
	if !ok {
		return SourceEntry{}, false
	}
	return c.entries[i], true
}

// Filter returns the entries matching league and season; empty values match all.
func (c *Catalog) Filter(league, season string) []SourceEntry {
	var out []SourceEntry
	for _, e := range c.entries {
		if league != "" && !strings.EqualFold(e.LeagueID, league) {
			continue
		}
		if season != "" && e.SeasonID != season {
			continue
		}
		out = append(out, e)
	}
	return out
}

func field(record []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
