// Package aggregate merges the provider payloads collected for one entity
// into a single canonical record with per-field provenance.
package aggregate

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/research-orchestrator/internal/model"
	"github.com/sells-group/research-orchestrator/internal/provider"
)

var titleCaser = cases.Title(language.AmericanEnglish, cases.NoLower)

// Merge folds the accepted payloads (in escalation order) into one canonical
// record. Later providers are higher fidelity: a field they contribute
// overrides an earlier provider's value of the same name, while fields absent
// from later output are retained from earlier output. Every contributed value
// stays queryable through the provenance trail; superseded values are marked,
// never dropped.
func Merge(entity model.Entity, payloads []*provider.Payload) (*model.CanonicalRecord, error) {
	if len(payloads) == 0 {
		return nil, eris.New("aggregate: no payloads to merge")
	}

	rec := &model.CanonicalRecord{
		EntityID:    entity.ID,
		Name:        NormalizeName(entity.Name),
		Domain:      model.CleanDomain(entity.Domain),
		Fields:      make(map[string]model.FieldValue),
		GeneratedAt: time.Now().UTC(),
	}

	for _, payload := range payloads {
		rec.Providers = append(rec.Providers, payload.Provider)
		rec.TotalCostUSD += payload.CostUSD

		for key, value := range payload.Fields {
			if value == "" {
				continue
			}
			if prev, ok := rec.Fields[key]; ok {
				markSuperseded(rec, key, prev.Provider)
			}
			rec.Fields[key] = model.FieldValue{Value: value, Provider: payload.Provider}
			rec.Provenance = append(rec.Provenance, model.ProvenanceEntry{
				FieldKey:   key,
				Provider:   payload.Provider,
				Value:      value,
				RecordedAt: time.Now().UTC(),
			})
		}
	}

	return rec, nil
}

func markSuperseded(rec *model.CanonicalRecord, key, providerName string) {
	for i := range rec.Provenance {
		e := &rec.Provenance[i]
		if e.FieldKey == key && e.Provider == providerName && !e.Superseded {
			e.Superseded = true
		}
	}
}

// NormalizeName canonicalizes a company name: whitespace collapsed and title
// case applied to all-caps or all-lower input, preserving mixed-case names
// the source already got right.
func NormalizeName(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return name
	}
	if name == strings.ToUpper(name) || name == strings.ToLower(name) {
		return titleCaser.String(strings.ToLower(name))
	}
	return name
}
