// Package model defines the core domain types shared across the orchestration
// engine: entities, tasks, provider attempts, and canonical records.
package model

import (
	"strings"
)

// Entity represents one research subject (a company). Entities are immutable
// once loaded; the scheduler owns them for the duration of their task.
type Entity struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Domain   string            `json:"domain"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CleanDomain normalizes a website URL into a canonical domain: scheme and
// trailing slashes stripped, lowercased, "www." prefix removed.
func CleanDomain(raw string) string {
	d := strings.TrimSpace(strings.ToLower(raw))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return d
}

// Valid reports whether the entity carries enough identity to be researched.
func (e Entity) Valid() bool {
	return e.ID != "" && (e.Name != "" || e.Domain != "")
}
