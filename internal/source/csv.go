// Package source loads entity lists from CSV and XLSX exports into the
// engine's admission format.
package source

import (
	"encoding/csv"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-orchestrator/internal/model"
)

// Recognized column headers. Exports vary in casing and extra columns, so
// matching is case-insensitive and unknown columns land in Metadata.
const (
	colName     = "company name"
	colWebsite  = "website"
	colID       = "zoominfo company id"
	colEmploy   = "employees"
	colIndustry = "primary industry"
	colCity     = "city"
	colState    = "state"
)

// LoadCSV reads an entity list CSV and returns deduplicated entities.
func LoadCSV(path string) ([]model.Entity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "source: open csv")
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "source: read csv")
	}
	if len(records) < 2 {
		return nil, eris.New("source: csv has no data rows")
	}

	return entitiesFromRows(records[0], records[1:])
}

// entitiesFromRows maps header + data rows to entities. Shared by the CSV and
// XLSX loaders.
func entitiesFromRows(header []string, rows [][]string) ([]model.Entity, error) {
	colIdx := make(map[string]int, len(header))
	for i, col := range header {
		colIdx[strings.ToLower(strings.TrimSpace(col))] = i
	}
	if _, ok := colIdx[colName]; !ok {
		return nil, eris.Errorf("source: missing required column %q", "Company Name")
	}

	seen := make(map[string]bool)
	var entities []model.Entity

	for _, row := range rows {
		name := getCol(row, colIdx, colName)
		if name == "" {
			continue
		}

		domain := model.CleanDomain(getCol(row, colIdx, colWebsite))
		id := getCol(row, colIdx, colID)
		if id == "" {
			id = domain
		}
		if id == "" {
			id = slugify(name)
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		entity := model.Entity{
			ID:       id,
			Name:     name,
			Domain:   domain,
			Metadata: map[string]string{},
		}
		for key, idx := range colIdx {
			switch key {
			case colName, colWebsite, colID:
				continue
			}
			if idx < len(row) {
				if v := strings.TrimSpace(row[idx]); v != "" {
					entity.Metadata[key] = v
				}
			}
		}
		entities = append(entities, entity)
	}

	if len(entities) == 0 {
		return nil, eris.New("source: no valid entities found")
	}
	return entities, nil
}

// getCol safely retrieves a column value from a row.
func getCol(row []string, colIdx map[string]int, col string) string {
	idx, ok := colIdx[col]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// slugify builds a stable fallback identifier from a company name.
func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_' || r == '.':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
