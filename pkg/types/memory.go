// Package types defines the shared data model for the mnemo memory engine:
// memory records, fact triples, retrieval results and time windows.
package types

import (
	"time"

	"github.com/google/uuid"
)

// MemoryKind classifies a memory record.
type MemoryKind string

const (
	// KindFact is a stable piece of knowledge ("user's birthday is May 3rd").
	KindFact MemoryKind = "fact"

	// KindEpisode is a dated interaction or event.
	KindEpisode MemoryKind = "episode"

	// KindRelation captures a relationship between the user and something else.
	KindRelation MemoryKind = "relation"

	// KindReflection is generated by the engine itself, e.g. when a conflict
	// between two earlier records is detected.
	KindReflection MemoryKind = "reflection"
)

// ValidKind reports whether k is one of the defined memory kinds.
func ValidKind(k MemoryKind) bool {
	switch k {
	case KindFact, KindEpisode, KindRelation, KindReflection:
		return true
	}
	return false
}

// MemoryRecord is the atomic unit of stored memory.
//
// Content is immutable after creation; corrections create new records.
// Importance and DecayFactor are mutated only by the lifecycle manager,
// access bookkeeping only by the retrieval path. Records are never deleted
// by the engine itself, only archived; hard removal requires an explicit
// Purge from the host application.
type MemoryRecord struct {
	ID      string     `json:"id"`
	Content string     `json:"content"`
	Kind    MemoryKind `json:"kind"`

	// Importance is the evaluated importance in [0,1].
	Importance float64 `json:"importance"`

	// DecayFactor accumulates multiplicative daily decay, in (0,1].
	DecayFactor float64 `json:"decay_factor"`

	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	AccessCount    int        `json:"access_count"`

	// LastDecayedAt records when decay was last applied, so that decay is
	// applied at most once per elapsed day.
	LastDecayedAt *time.Time `json:"last_decayed_at,omitempty"`

	Tags     []string               `json:"tags,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	IsVectorized bool `json:"is_vectorized"`
	IsArchived   bool `json:"is_archived"`
	ConflictFlag bool `json:"conflict_flag"`
}

// NewMemoryRecord constructs a record with a fresh ID and creation timestamp.
// DecayFactor starts at 1.0 (no decay yet).
func NewMemoryRecord(content string, kind MemoryKind, importance float64) *MemoryRecord {
	return &MemoryRecord{
		ID:          uuid.NewString(),
		Content:     content,
		Kind:        kind,
		Importance:  clamp01(importance),
		DecayFactor: 1.0,
		CreatedAt:   time.Now(),
	}
}

// EffectiveImportance returns importance scaled by accumulated decay.
// It is always computed from its inputs, never stored.
func (m *MemoryRecord) EffectiveImportance() float64 {
	return m.Importance * m.DecayFactor
}

// MarkAccessed updates the access bookkeeping on the in-memory copy.
// Persisting the change is the caller's responsibility.
func (m *MemoryRecord) MarkAccessed(now time.Time) {
	m.AccessCount++
	m.LastAccessedAt = &now
}

// AgeDays returns the record's age in fractional days at the given instant.
func (m *MemoryRecord) AgeDays(now time.Time) float64 {
	return now.Sub(m.CreatedAt).Hours() / 24.0
}

// ShortID returns the first 8 characters of the record ID, used in compact
// prompt-facing listings.
func (m *MemoryRecord) ShortID() string {
	if len(m.ID) <= 8 {
		return m.ID
	}
	return m.ID[:8]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
