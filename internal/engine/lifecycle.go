package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/petmind/mnemo/internal/config"
	"github.com/petmind/mnemo/internal/storage"
	"github.com/petmind/mnemo/pkg/types"
)

// minArchivePopulation guards the percentile cutoff: tiny aged populations
// are never archived because the percentile is meaningless there.
const minArchivePopulation = 5

// ConsolidationResult reports what one consolidation pass did.
type ConsolidationResult struct {
	ReflectionsGenerated int `json:"reflections_generated"`
	ConflictsFound       int `json:"conflicts_found"`
	FactsExtracted       int `json:"facts_extracted"`
	ArchivedCount        int `json:"archived_count"`
}

// Lifecycle runs the periodic maintenance passes: decay, archival and
// consolidation. All three are idempotent and safe to run repeatedly; the
// host application schedules them during idle windows.
type Lifecycle struct {
	records  storage.RecordStore
	detector *Detector
	cfg      config.LifecycleConfig

	// OnCreate, when set, receives every derived fact record the
	// consolidation pass persists so it can be scheduled for vectorization.
	OnCreate func(*types.MemoryRecord)

	now func() time.Time
}

// NewLifecycle wires a lifecycle manager.
func NewLifecycle(records storage.RecordStore, detector *Detector, cfg config.LifecycleConfig) *Lifecycle {
	return &Lifecycle{
		records:  records,
		detector: detector,
		cfg:      cfg,
		now:      time.Now,
	}
}

// RunDecay multiplies each record's decay factor by the daily rate once per
// elapsed day since the record was last decayed (or created). Running it
// again within the same day is a no-op. Returns the number of records whose
// decay factor changed.
func (l *Lifecycle) RunDecay(ctx context.Context) (int, error) {
	now := l.now()
	affected := 0

	err := l.forEachRecord(ctx, func(rec *types.MemoryRecord) error {
		ref := rec.CreatedAt
		if rec.LastDecayedAt != nil {
			ref = *rec.LastDecayedAt
		}
		days := int(now.Sub(ref).Hours() / 24)
		if days < 1 {
			return nil
		}

		factor := rec.DecayFactor * math.Pow(l.cfg.DailyDecayRate, float64(days))
		if factor < l.cfg.DecayFloor {
			factor = l.cfg.DecayFloor
		}

		// Advance the decay clock by whole days only, keeping the
		// fractional remainder for the next run.
		decayedAt := ref.Add(time.Duration(days) * 24 * time.Hour)
		if err := l.records.UpdateDecay(ctx, rec.ID, factor, decayedAt); err != nil {
			return fmt.Errorf("update decay %s: %w", rec.ID, err)
		}
		affected++
		return nil
	})
	return affected, err
}

// RunArchival marks the bottom fraction of the aged population as archived.
// A record qualifies when it is older than the threshold and its effective
// importance falls in the bottom percentile of all such records. The
// percentile is computed over the full aged population, already-archived
// records included, so an immediate re-run archives nothing new.
func (l *Lifecycle) RunArchival(ctx context.Context) (int, error) {
	now := l.now()
	cutoff := now.Add(-time.Duration(l.cfg.ArchiveThresholdDays) * 24 * time.Hour)

	var aged []*types.MemoryRecord
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		page, err := l.records.List(ctx, storage.ListOptions{
			Limit:           l.cfg.ConsolidationBatchSize,
			Offset:          offset,
			IncludeArchived: true,
		})
		if err != nil {
			return 0, fmt.Errorf("list records: %w", err)
		}
		for _, rec := range page {
			if rec.CreatedAt.Before(cutoff) {
				aged = append(aged, rec)
			}
		}
		if len(page) < l.cfg.ConsolidationBatchSize {
			break
		}
		offset += len(page)
	}
	if len(aged) < minArchivePopulation {
		return 0, nil
	}

	// Lowest effective importance first; older record wins exact ties so
	// repeated runs archive deterministically.
	sort.SliceStable(aged, func(i, j int) bool {
		ei, ej := aged[i].EffectiveImportance(), aged[j].EffectiveImportance()
		if ei != ej {
			return ei < ej
		}
		return aged[i].CreatedAt.Before(aged[j].CreatedAt)
	})

	// Nearest-rank percentile.
	k := int(math.Ceil(l.cfg.ArchivePercentile * float64(len(aged))))
	if k > len(aged) {
		k = len(aged)
	}

	archived := 0
	for _, rec := range aged[:k] {
		if rec.IsArchived {
			continue
		}
		if err := ctx.Err(); err != nil {
			return archived, err
		}
		if err := l.records.MarkArchived(ctx, rec.ID); err != nil {
			return archived, fmt.Errorf("archive %s: %w", rec.ID, err)
		}
		archived++
	}
	return archived, nil
}

// RunConsolidation scans recently created records for unresolved conflicts,
// extracts recurring fact triples into derived fact records, and runs
// archival. It checks for cancellation between records, never mid-record,
// so interactive load can interrupt it cleanly.
func (l *Lifecycle) RunConsolidation(ctx context.Context) (*ConsolidationResult, error) {
	result := &ConsolidationResult{}
	now := l.now()

	recent, err := l.records.List(ctx, storage.ListOptions{
		Limit:         1000,
		CreatedWithin: types.TimeWindow{Start: now.Add(-l.detector.window), End: now},
	})
	if err != nil {
		return result, fmt.Errorf("list recent records: %w", err)
	}

	if err := l.consolidateConflicts(ctx, recent, result); err != nil {
		return result, err
	}
	if err := l.extractFacts(ctx, recent, result); err != nil {
		return result, err
	}

	archived, err := l.RunArchival(ctx)
	result.ArchivedCount = archived
	if err != nil {
		return result, err
	}
	return result, nil
}

// consolidateConflicts flags contradictory attitude pairs among the recent
// records. Pairs where both sides already carry the conflict flag were
// handled by an earlier pass and are skipped.
func (l *Lifecycle) consolidateConflicts(ctx context.Context, recent []*types.MemoryRecord, result *ConsolidationResult) error {
	seen := make(map[string]struct{})

	for i, rec := range recent {
		if i%l.cfg.ConsolidationBatchSize == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if rec.Kind == types.KindReflection {
			continue
		}

		pairs, err := l.detector.DetectConflicts(ctx, rec, recent)
		if err != nil {
			return err
		}
		for _, pair := range pairs {
			key := pair.Earlier.ID + "\x00" + pair.Later.ID
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			result.ConflictsFound++
			if pair.Earlier.ConflictFlag && pair.Later.ConflictFlag {
				continue
			}
			if _, err := l.detector.RecordConflict(ctx, pair); err != nil {
				return err
			}
			result.ReflectionsGenerated++
		}
	}
	return nil
}

// extractFacts promotes attitude triples seen in at least two distinct
// recent records into derived fact records, unless an identical fact record
// already exists.
func (l *Lifecycle) extractFacts(ctx context.Context, recent []*types.MemoryRecord, result *ConsolidationResult) error {
	type group struct {
		triple  types.FactTriple
		sources []string
	}
	groups := make(map[string]*group)

	for _, rec := range recent {
		if rec.Kind == types.KindReflection || rec.Kind == types.KindFact {
			continue
		}
		triple, ok := l.detector.ExtractTriple(rec.Content)
		if !ok {
			continue
		}
		key := triple.Key() + "\x00" + triple.Predicate
		g, exists := groups[key]
		if !exists {
			g = &group{triple: triple}
			groups[key] = g
		}
		g.sources = append(g.sources, rec.ID)
	}

	existing := make(map[string]struct{})
	facts, err := l.records.List(ctx, storage.ListOptions{Limit: 1000, Kind: types.KindFact})
	if err != nil {
		return fmt.Errorf("list existing facts: %w", err)
	}
	for _, f := range facts {
		existing[f.Content] = struct{}{}
	}

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(g.sources) < 2 {
			continue
		}
		sentence := g.triple.Sentence()
		if _, dup := existing[sentence]; dup {
			continue
		}

		g.triple.SourceRecordIDs = g.sources
		fact := types.NewMemoryRecord(sentence, types.KindFact, 0.7)
		fact.Tags = []string{"derived"}
		fact.Metadata = map[string]interface{}{
			"subject":           g.triple.Subject,
			"predicate":         g.triple.Predicate,
			"object":            g.triple.Object,
			"source_record_ids": g.sources,
		}
		if err := l.records.Create(ctx, fact); err != nil {
			return fmt.Errorf("create derived fact: %w", err)
		}
		if l.OnCreate != nil {
			l.OnCreate(fact)
		}
		existing[sentence] = struct{}{}
		result.FactsExtracted++
	}
	return nil
}

// forEachRecord pages through every non-archived record, checking for
// cancellation between pages.
func (l *Lifecycle) forEachRecord(ctx context.Context, fn func(*types.MemoryRecord) error) error {
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := l.records.List(ctx, storage.ListOptions{
			Limit:  l.cfg.ConsolidationBatchSize,
			Offset: offset,
		})
		if err != nil {
			return fmt.Errorf("list records: %w", err)
		}
		for _, rec := range page {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(page) < l.cfg.ConsolidationBatchSize {
			return nil
		}
		offset += len(page)
	}
}
