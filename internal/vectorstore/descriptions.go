package vectorstore

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Description documents one research table.
type Description struct {
	Table string `yaml:"table"`
	Text  string `yaml:"description"`
}

// Document renders the description as it is returned to the model.
func (d Description) Document() string {
	return fmt.Sprintf("Table: %s\n%s", d.Table, strings.TrimSpace(d.Text))
}

type descriptionFile struct {
	Tables []Description `yaml:"tables"`
}

// LoadDescriptions reads table descriptions from a YAML file.
func LoadDescriptions(path string) ([]Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: read %s: %w", path, err)
	}
	return ParseDescriptions(data)
}

// ParseDescriptions parses the YAML form:
//
//	tables:
//	  - table: per_patient
//	    description: |
//	      One row per patient ...
func ParseDescriptions(data []byte) ([]Description, error) {
	var f descriptionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("vectorstore: parse descriptions: %w", err)
	}
	seen := make(map[string]bool, len(f.Tables))
	for i, d := range f.Tables {
		if strings.TrimSpace(d.Table) == "" {
			return nil, fmt.Errorf("vectorstore: tables[%d]: table is required", i)
		}
		if strings.TrimSpace(d.Text) == "" {
			return nil, fmt.Errorf("vectorstore: table %s: description is required", d.Table)
		}
		if seen[d.Table] {
			return nil, fmt.Errorf("vectorstore: duplicate table %s", d.Table)
		}
		seen[d.Table] = true
	}
	return f.Tables, nil
}
