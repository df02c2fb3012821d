package storage

import (
	"errors"

	"github.com/petmind/mnemo/pkg/types"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput indicates the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// SearchHit is one full-text search result with its raw backend score.
type SearchHit struct {
	Record *types.MemoryRecord
	Score  float64
}

// SearchOptions configures a full-text search.
type SearchOptions struct {
	// Query is the raw query string; backends sanitise it as needed.
	Query string

	// Limit caps the number of hits (default 15, max 100).
	Limit int

	// TimeWindow restricts hits to records created inside the window.
	TimeWindow types.TimeWindow

	// Kinds restricts hits to the given kinds; empty means all kinds.
	Kinds []types.MemoryKind

	// MinImportance drops records below the given raw importance.
	MinImportance float64

	// IncludeArchived widens the scope to archived records.
	IncludeArchived bool
}

// Normalize applies defaults and bounds.
func (o *SearchOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 15
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.MinImportance < 0 {
		o.MinImportance = 0
	}
}

// ListOptions configures a List call.
type ListOptions struct {
	// Limit caps the number of records (default 100, max 1000).
	Limit int

	// Offset skips the first n records.
	Offset int

	// Kind restricts to a single kind; empty means all kinds.
	Kind types.MemoryKind

	// CreatedWithin restricts to records created inside the window.
	CreatedWithin types.TimeWindow

	// IncludeArchived widens the scope to archived records.
	IncludeArchived bool

	// OnlyUnvectorized restricts to records not yet in the vector index.
	OnlyUnvectorized bool
}

// Normalize applies defaults and bounds.
func (o *ListOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// Stats holds aggregate counts for a record store.
type Stats struct {
	// CountsByKind maps each memory kind to its non-archived record count.
	CountsByKind map[types.MemoryKind]int

	// TotalRecords counts all records, archived included.
	TotalRecords int

	// ArchivedCount counts archived records.
	ArchivedCount int

	// VectorizedCount counts records flagged as vectorized.
	VectorizedCount int
}
