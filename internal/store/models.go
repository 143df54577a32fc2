package store

import "time"

// Entity kinds stored as version chains.
const (
	KindDocument = "document"
	KindInvestor = "investor"
	KindProperty = "property"
)

// Record is one immutable version of a logical entity. The chain for an id
// is the ordered set of all its versions; the current version is the one
// with the highest version number. Records are never updated in place.
type Record struct {
	Kind    string         `json:"kind"`
	ID      string         `json:"id"`
	Version int            `json:"version"`
	Payload map[string]any `json:"payload"`
	// ChangedFields lists the payload attributes whose value differs from
	// the previous version, sorted. Empty for version 1.
	ChangedFields []string  `json:"changedFields"`
	UpdatedAt     time.Time `json:"updatedAt"`
	UpdatedBy     string    `json:"updatedBy"`
}

// AuditEvent is an append-only operational log row. Best effort: writing
// one must never fail the operation it describes.
type AuditEvent struct {
	ID         int64
	EventType  string
	Capability string
	ActorID    string
	EntityKind string
	EntityID   string
	Outcome    string
	Detail     map[string]any
	CreatedAt  time.Time
}

// ShareLink is a revocable public link to a document's current file.
type ShareLink struct {
	ID             string
	Token          string
	DocumentID     string
	CreatedBy      string
	PasswordHash   *string
	ExpiresAt      *time.Time
	AccessCount    int
	LastAccessedAt *time.Time
	CreatedAt      time.Time
	RevokedAt      *time.Time
}
