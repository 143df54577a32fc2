package app

import (
	"crestfund/api/internal/store"
)

// FieldChange records one attribute's value before and after a version.
// OldValue is nil when the attribute was introduced, NewValue is nil when
// it was removed.
type FieldChange struct {
	Field    string `json:"field"`
	OldValue any    `json:"oldValue"`
	NewValue any    `json:"newValue"`
}

// TimelineEntry is one version of an entity rendered as a set of field
// changes, suitable for an activity feed.
type TimelineEntry struct {
	Version   int           `json:"version"`
	UpdatedAt string        `json:"updatedAt"`
	UpdatedBy string        `json:"updatedBy"`
	Changes   []FieldChange `json:"changes"`
}

// BuildTimeline turns a version history (newest first, as returned by the
// store) into a timeline, newest first. Each entry pairs the version's
// changed fields with their old and new values by looking at the adjacent
// older version. The oldest entry declares no changes: version 1 created
// the record rather than changing it.
func BuildTimeline(history []store.Record) []TimelineEntry {
	entries := make([]TimelineEntry, 0, len(history))
	for i, rec := range history {
		var prev map[string]any
		if i+1 < len(history) {
			prev = history[i+1].Payload
		}
		entries = append(entries, TimelineEntry{
			Version:   rec.Version,
			UpdatedAt: rec.UpdatedAt.UTC().Format(timeFormat),
			UpdatedBy: rec.UpdatedBy,
			Changes:   changesFor(rec, prev),
		})
	}
	return entries
}

func changesFor(rec store.Record, prev map[string]any) []FieldChange {
	changes := make([]FieldChange, 0, len(rec.ChangedFields))
	for _, field := range rec.ChangedFields {
		changes = append(changes, FieldChange{
			Field:    field,
			OldValue: prev[field],
			NewValue: rec.Payload[field],
		})
	}
	return changes
}
