package store

import "time"

// --- Thread Index (threads/index.json) ---

type ThreadMeta struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Superseded marks a thread whose public id has been remapped onto a
	// shadow thread by compaction. The events remain for audit.
	Superseded bool `json:"superseded,omitempty"`
}

type ThreadIndex struct {
	Threads map[string]ThreadMeta `json:"threads"`
}

// --- Canonical Map (threads/canonical.json) ---

// CanonicalMap resolves a public thread id, via zero or more hops, to the
// physical thread currently representing it.
type CanonicalMap struct {
	Aliases map[string]string `json:"aliases"`
}
