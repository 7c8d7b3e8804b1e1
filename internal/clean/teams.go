package clean

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Dictionary resolves team name spellings to one canonical name.
type Dictionary struct {
	names         map[string]string
	allowUnlisted bool
}

type dictionaryFile struct {
	Teams []struct {
		Name    string   `yaml:"name"`
		Aliases []string `yaml:"aliases"`
	} `yaml:"teams"`
}

//go:embed default_teams.yaml
var defaultTeamsYAML []byte

// DefaultDictionary returns the built-in English league dictionary.
func DefaultDictionary(allowUnlisted bool) *Dictionary {
	d, err := LoadDictionary(defaultTeamsYAML, allowUnlisted)
	if err != nil {
		panic(fmt.Sprintf("embedded team dictionary: %v", err))
	}
	return d
}

// LoadDictionaryFile reads a dictionary YAML file; an empty path yields the default.
func LoadDictionaryFile(path string, allowUnlisted bool) (*Dictionary, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultDictionary(allowUnlisted), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read team dictionary %s: %w", path, err)
	}
	return LoadDictionary(data, allowUnlisted)
}

// LoadDictionary parses a dictionary. An alias claimed by two teams is an error.
func LoadDictionary(data []byte, allowUnlisted bool) (*Dictionary, error) {
	var file dictionaryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse team dictionary: %w", err)
	}

	d := &Dictionary{names: make(map[string]string), allowUnlisted: allowUnlisted}
	add := func(alias, canonical string) error {
		key := dictionaryKey(alias)
		if key == "" {
			return nil
		}
		if prev, ok := d.names[key]; ok && prev != canonical {
			return fmt.Errorf("alias %q maps to both %s and %s", alias, prev, canonical)
		}
		d.names[key] = canonical
		return nil
	}
	for _, team := range file.Teams {
		canonical := collapseSpaces(team.Name)
		if canonical == "" {
			return nil, fmt.Errorf("team dictionary entry without a name")
		}
		if err := add(canonical, canonical); err != nil {
			return nil, err
		}
		for _, alias := range team.Aliases {
			if err := add(alias, canonical); err != nil {
				return nil, err
			}
		}
	}
	return d, nil
}

// Resolve maps a raw name to its canonical form. ok is false for unlisted
// names unless the dictionary allows them, in which case the trimmed name
// is returned.
func (d *Dictionary) Resolve(raw string) (string, bool) {
	name := collapseSpaces(raw)
	if canonical, ok := d.names[dictionaryKey(name)]; ok {
		return canonical, true
	}
	if d.allowUnlisted && name != "" {
		return name, true
	}
	return name, false
}

func (d *Dictionary) Len() int {
	return len(d.names)
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func dictionaryKey(s string) string {
	return strings.ToLower(collapseSpaces(s))
}
