package model

import "time"

// FieldValue is one field of a canonical record together with the provider
// that supplied it.
type FieldValue struct {
	Value    string `json:"value"`
	Provider string `json:"provider"`
}

// ProvenanceEntry is the audit trail for one contributed field value. Every
// value a provider ever contributed appears here, including values later
// superseded by a higher-fidelity provider.
type ProvenanceEntry struct {
	FieldKey   string    `json:"field_key"`
	Provider   string    `json:"provider"`
	Value      string    `json:"value"`
	Superseded bool      `json:"superseded"`
	RecordedAt time.Time `json:"recorded_at"`
}

// CanonicalRecord is the merged, provenance-tagged output for one entity.
type CanonicalRecord struct {
	EntityID     string                `json:"entity_id"`
	Name         string                `json:"name"`
	Domain       string                `json:"domain"`
	Fields       map[string]FieldValue `json:"fields"`
	Provenance   []ProvenanceEntry     `json:"provenance"`
	Providers    []string              `json:"providers"`
	TotalCostUSD float64               `json:"total_cost_usd"`
	GeneratedAt  time.Time             `json:"generated_at"`
}

// Field returns the current value of a field, or "" if absent.
func (r *CanonicalRecord) Field(key string) string {
	if r == nil || r.Fields == nil {
		return ""
	}
	return r.Fields[key].Value
}

// DeliveryRecord tracks delivery bookkeeping for one entity, keyed by the
// entity identifier. At most one successful forward happens per idempotency
// key; retried deliveries reuse the same key.
type DeliveryRecord struct {
	EntityID string           `json:"entity_id"`
	Key      string           `json:"key"`
	Record   *CanonicalRecord `json:"record,omitempty"`
	Acked    bool             `json:"acked"`
	AckedAt  *time.Time       `json:"acked_at,omitempty"`
	Response string           `json:"response,omitempty"`
}
