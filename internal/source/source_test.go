package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func writeTestCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "entities.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				cell := row.AddCell()
				cell.SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "entities.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestLoadCSV_Basic(t *testing.T) {
	path := writeTestCSV(t, `Company Name,Website,Employees,Primary Industry,City,State,ZoomInfo Company ID
Acme Construction,https://www.acme.com,120,Construction,Austin,TX,Z-100
Beta Builders,betabuilders.com,40,Construction,Dallas,TX,Z-200
`)

	entities, err := LoadCSV(path)
	require.NoError(t, err)
	require.Len(t, entities, 2)

	acme := entities[0]
	assert.Equal(t, "Z-100", acme.ID)
	assert.Equal(t, "Acme Construction", acme.Name)
	assert.Equal(t, "acme.com", acme.Domain)
	assert.Equal(t, "120", acme.Metadata["employees"])
	assert.Equal(t, "Construction", acme.Metadata["primary industry"])
	assert.Equal(t, "Austin", acme.Metadata["city"])
	assert.Equal(t, "TX", acme.Metadata["state"])
}

func TestLoadCSV_IDFallsBackToDomainThenSlug(t *testing.T) {
	path := writeTestCSV(t, `Company Name,Website
Acme Construction,https://acme.com
No Website Co,
`)

	entities, err := LoadCSV(path)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "acme.com", entities[0].ID)
	assert.Equal(t, "no-website-co", entities[1].ID)
}

func TestLoadCSV_DeduplicatesByID(t *testing.T) {
	path := writeTestCSV(t, `Company Name,Website
Acme,acme.com
ACME Inc,https://www.acme.com/about
`)

	entities, err := LoadCSV(path)
	require.NoError(t, err)
	assert.Len(t, entities, 1)
}

func TestLoadCSV_SkipsBlankNames(t *testing.T) {
	path := writeTestCSV(t, `Company Name,Website
,ghost.com
Acme,acme.com
`)

	entities, err := LoadCSV(path)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "Acme", entities[0].Name)
}

func TestLoadCSV_MissingNameColumn(t *testing.T) {
	path := writeTestCSV(t, `Domain,City
acme.com,Austin
`)

	_, err := LoadCSV(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Company Name")
}

func TestLoadCSV_NoDataRows(t *testing.T) {
	path := writeTestCSV(t, "Company Name,Website\n")
	_, err := LoadCSV(path)
	assert.Error(t, err)
}

func TestLoadXLSX_Basic(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Sheet1": {
			{"Company Name", "Website", "City"},
			{"Acme Construction", "acme.com", "Austin"},
			{"Beta Builders", "betabuilders.com", "Dallas"},
		},
	})

	entities, err := LoadXLSX(path, XLSXOptions{})
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "acme.com", entities[0].ID)
	assert.Equal(t, "Austin", entities[0].Metadata["city"])
}

func TestLoadXLSX_NamedSheet(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Other": {
			{"x"},
		},
		"Targets": {
			{"Company Name", "Website"},
			{"Acme", "acme.com"},
		},
	})

	entities, err := LoadXLSX(path, XLSXOptions{SheetName: "Targets"})
	require.NoError(t, err)
	assert.Len(t, entities, 1)
}

func TestLoadXLSX_MissingSheet(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Sheet1": {{"Company Name"}, {"Acme"}},
	})

	_, err := LoadXLSX(path, XLSXOptions{SheetName: "Nope"})
	assert.Error(t, err)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "acme-construction", slugify("Acme Construction"))
	assert.Equal(t, "ab-c-123", slugify("  A&B C 123! "))
}
