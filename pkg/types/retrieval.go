package types

import (
	"fmt"
	"strings"
	"time"
)

// RetrievalSource identifies which search path produced a candidate.
type RetrievalSource string

const (
	SourceFullText RetrievalSource = "fts"
	SourceVector   RetrievalSource = "vector"
	SourceBoth     RetrievalSource = "both"
)

// SearchStrategy is the retrieval strategy chosen for a query.
type SearchStrategy string

const (
	// StrategyFullTextPrimary runs full-text search first; chosen when the
	// query contains recognisable entities.
	StrategyFullTextPrimary SearchStrategy = "fulltext_primary"

	// StrategyVectorPrimary runs vector search first; chosen for non-trivial
	// queries without recognisable entities.
	StrategyVectorPrimary SearchStrategy = "vector_primary"

	// StrategyParallel runs both paths and merges. Also used as the fallback
	// whenever a primary strategy under-delivers.
	StrategyParallel SearchStrategy = "parallel"
)

// RetrievalCandidate is an ephemeral per-query scoring unit. It is produced
// and consumed entirely within one retrieval call and never persisted.
type RetrievalCandidate struct {
	RecordID        string
	SimilarityScore float64
	RecencyScore    float64
	Source          RetrievalSource
}

// RankedRecord pairs a record with its final re-ranked score.
type RankedRecord struct {
	Record *MemoryRecord
	Score  float64
	Source RetrievalSource
}

// RetrievalResult is the outcome of one Search call.
//
// NoRelevantMemory is true when candidates existed but all were gated out by
// the similarity threshold. Callers must branch on it distinctly from an
// empty Records list caused by no matching content existing at all.
type RetrievalResult struct {
	Records          []RankedRecord
	NoRelevantMemory bool
	StrategyUsed     SearchStrategy

	// CandidateCount is the number of merged candidates before gating.
	CandidateCount int

	// Degraded is true when one retrieval path failed or timed out and the
	// result was produced from the remaining path only.
	Degraded bool

	Elapsed time.Duration
}

// TimeWindow bounds a search to records created inside [Start, End).
// A zero bound is unconstrained.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether the window has no bounds at all.
func (w TimeWindow) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && !t.Before(w.End) {
		return false
	}
	return true
}

// LastHours returns a window covering the trailing n hours before now.
func LastHours(now time.Time, n int) TimeWindow {
	return TimeWindow{Start: now.Add(-time.Duration(n) * time.Hour), End: now}
}

// LastDays returns a window covering the trailing n days before now.
func LastDays(now time.Time, n int) TimeWindow {
	return LastHours(now, n*24)
}

// temporalKeywords maps temporal reference phrases to window constructors.
// Both English phrases and the companion app's Chinese phrases are covered.
var temporalKeywords = []struct {
	phrase string
	window func(now time.Time) TimeWindow
}{
	{"just now", func(n time.Time) TimeWindow { return LastHours(n, 1) }},
	{"刚才", func(n time.Time) TimeWindow { return LastHours(n, 1) }},
	{"刚刚", func(n time.Time) TimeWindow { return LastHours(n, 1) }},
	{"today", func(n time.Time) TimeWindow { return LastHours(n, 24) }},
	{"今天", func(n time.Time) TimeWindow { return LastHours(n, 24) }},
	{"yesterday", func(n time.Time) TimeWindow {
		return TimeWindow{Start: n.Add(-48 * time.Hour), End: n.Add(-24 * time.Hour)}
	}},
	{"昨天", func(n time.Time) TimeWindow {
		return TimeWindow{Start: n.Add(-48 * time.Hour), End: n.Add(-24 * time.Hour)}
	}},
	{"recently", func(n time.Time) TimeWindow { return LastDays(n, 3) }},
	{"最近", func(n time.Time) TimeWindow { return LastDays(n, 3) }},
	{"这几天", func(n time.Time) TimeWindow { return LastDays(n, 3) }},
	{"last time", func(n time.Time) TimeWindow { return LastDays(n, 7) }},
	{"上次", func(n time.Time) TimeWindow { return LastDays(n, 7) }},
	{"之前", func(n time.Time) TimeWindow { return LastDays(n, 7) }},
	{"a while ago", func(n time.Time) TimeWindow { return LastDays(n, 30) }},
	{"以前", func(n time.Time) TimeWindow { return LastDays(n, 30) }},
	{"很久", func(n time.Time) TimeWindow { return LastDays(n, 30) }},
}

// DetectTimeWindow scans query for a temporal reference phrase and returns
// the corresponding bounded window. The second return value is false when no
// temporal phrase is present, meaning no time filter applies.
func DetectTimeWindow(query string, now time.Time) (TimeWindow, bool) {
	lower := strings.ToLower(query)
	for _, kw := range temporalKeywords {
		if strings.Contains(lower, kw.phrase) {
			return kw.window(now), true
		}
	}
	return TimeWindow{}, false
}

// MemoryIndexItem is a compact, prompt-facing view of a record, used to give
// the agent an inexpensive table of contents over its memories.
type MemoryIndexItem struct {
	ShortID    string
	Age        string
	Summary    string
	Importance float64
	HighValue  bool
}

// memoryIndexHighValue marks records worth highlighting in the index view.
const memoryIndexHighValue = 0.7

// NewMemoryIndexItem builds the index view of a record at the given instant.
// Summaries longer than 40 runes are truncated.
func NewMemoryIndexItem(rec *MemoryRecord, now time.Time) MemoryIndexItem {
	summary := rec.Content
	if runes := []rune(summary); len(runes) > 40 {
		summary = string(runes[:40]) + "…"
	}
	return MemoryIndexItem{
		ShortID:    rec.ShortID(),
		Age:        FormatAge(now.Sub(rec.CreatedAt)),
		Summary:    summary,
		Importance: rec.Importance,
		HighValue:  rec.Importance >= memoryIndexHighValue,
	}
}

// Format renders the item as a single prompt line.
func (it MemoryIndexItem) Format() string {
	line := fmt.Sprintf("#%s [%s] %s (%.1f)", it.ShortID, it.Age, it.Summary, it.Importance)
	if it.HighValue {
		line += " ★"
	}
	return line
}

// FormatAge renders a duration as a short human age like "5m", "3h" or "12d".
func FormatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
