package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/petmind/mnemo/internal/config"
	"github.com/petmind/mnemo/internal/storage"
	"github.com/petmind/mnemo/pkg/types"
)

// ConflictPair is two records whose extracted attitudes about the same
// subject and object contradict each other.
type ConflictPair struct {
	Earlier *types.MemoryRecord
	Later   *types.MemoryRecord

	EarlierTriple types.FactTriple
	LaterTriple   types.FactTriple
}

// Detector finds attitude conflicts between records. It never deletes or
// resolves contradictions, only records them: both sides get conflictFlag
// set and a Reflection-kind record describes the apparent change.
type Detector struct {
	records  storage.RecordStore
	window   time.Duration
	antonyms map[string]string

	// OnCreate, when set, receives every reflection record the detector
	// persists so it can be scheduled for vectorization.
	OnCreate func(*types.MemoryRecord)

	now func() time.Time
}

// NewDetector builds a detector from configuration. An empty antonym table
// is valid and makes detection a no-op.
func NewDetector(records storage.RecordStore, cfg config.ConflictConfig) *Detector {
	antonyms := make(map[string]string, len(cfg.AntonymPairs)*2)
	for _, pair := range cfg.AntonymPairs {
		a := strings.ToLower(pair[0])
		b := strings.ToLower(pair[1])
		antonyms[a] = b
		antonyms[b] = a
	}
	return &Detector{
		records:  records,
		window:   cfg.Window,
		antonyms: antonyms,
		now:      time.Now,
	}
}

// ExtractTriple parses an attitude triple out of record content using the
// fixed grammar "<subject> <attitude-verb> <object>". The verb must be one
// of the configured antonym predicates. Returns false when the content does
// not fit the grammar.
func (d *Detector) ExtractTriple(content string) (types.FactTriple, bool) {
	fields := strings.Fields(content)
	for i, f := range fields {
		verb := strings.ToLower(strings.Trim(f, ".,!?;:"))
		if _, ok := d.antonyms[verb]; !ok {
			continue
		}
		if i == 0 || i == len(fields)-1 {
			return types.FactTriple{}, false
		}
		subject := strings.Join(fields[:i], " ")
		object := strings.Trim(strings.Join(fields[i+1:], " "), ".,!?;:")
		return types.FactTriple{
			Subject:    subject,
			Predicate:  verb,
			Object:     object,
			Confidence: 0.8,
		}, true
	}
	return types.FactTriple{}, false
}

// DetectConflicts compares a new record's attitude triple against candidate
// records. When candidates is nil, non-archived records created within the
// conflict window are fetched from the store.
func (d *Detector) DetectConflicts(ctx context.Context, newRec *types.MemoryRecord, candidates []*types.MemoryRecord) ([]ConflictPair, error) {
	if len(d.antonyms) == 0 {
		return nil, nil
	}

	newTriple, ok := d.ExtractTriple(newRec.Content)
	if !ok {
		return nil, nil
	}

	if candidates == nil {
		now := d.now()
		var err error
		candidates, err = d.records.List(ctx, storage.ListOptions{
			Limit:         1000,
			CreatedWithin: types.TimeWindow{Start: now.Add(-d.window), End: now},
		})
		if err != nil {
			return nil, fmt.Errorf("list conflict candidates: %w", err)
		}
	}

	cutoff := newRec.CreatedAt.Add(-d.window)

	var pairs []ConflictPair
	for _, cand := range candidates {
		if cand.ID == newRec.ID || cand.IsArchived {
			continue
		}
		if cand.CreatedAt.Before(cutoff) {
			continue
		}
		candTriple, ok := d.ExtractTriple(cand.Content)
		if !ok {
			continue
		}
		if candTriple.Key() != newTriple.Key() {
			continue
		}
		if d.antonyms[candTriple.Predicate] != newTriple.Predicate {
			continue
		}

		earlier, later := cand, newRec
		earlierTriple, laterTriple := candTriple, newTriple
		if newRec.CreatedAt.Before(cand.CreatedAt) {
			earlier, later = newRec, cand
			earlierTriple, laterTriple = newTriple, candTriple
		}
		pairs = append(pairs, ConflictPair{
			Earlier:       earlier,
			Later:         later,
			EarlierTriple: earlierTriple,
			LaterTriple:   laterTriple,
		})
	}
	return pairs, nil
}

// GenerateConflictReflection produces the Reflection-kind record describing
// an apparent attitude change. The record is not persisted here.
func (d *Detector) GenerateConflictReflection(pair ConflictPair) *types.MemoryRecord {
	content := fmt.Sprintf(
		"Apparent change of attitude: %q (%s) vs %q (%s). The stance on %s toward %s shifted from %s to %s.",
		pair.Earlier.Content, pair.Earlier.CreatedAt.Format(time.RFC3339),
		pair.Later.Content, pair.Later.CreatedAt.Format(time.RFC3339),
		pair.EarlierTriple.Subject, pair.EarlierTriple.Object,
		pair.EarlierTriple.Predicate, pair.LaterTriple.Predicate,
	)

	rec := types.NewMemoryRecord(content, types.KindReflection, 0.7)
	rec.Tags = []string{"conflict"}
	rec.Metadata = map[string]interface{}{
		"earlier_record_id": pair.Earlier.ID,
		"later_record_id":   pair.Later.ID,
		"subject":           pair.EarlierTriple.Subject,
		"object":            pair.EarlierTriple.Object,
	}
	return rec
}

// RecordConflict persists one detected pair: a reflection record plus the
// conflict flag on both sides.
func (d *Detector) RecordConflict(ctx context.Context, pair ConflictPair) (*types.MemoryRecord, error) {
	reflection := d.GenerateConflictReflection(pair)
	if err := d.records.Create(ctx, reflection); err != nil {
		return nil, fmt.Errorf("create reflection: %w", err)
	}
	if d.OnCreate != nil {
		d.OnCreate(reflection)
	}
	if err := d.records.SetConflictFlag(ctx, pair.Earlier.ID); err != nil {
		return nil, fmt.Errorf("flag earlier record: %w", err)
	}
	if err := d.records.SetConflictFlag(ctx, pair.Later.ID); err != nil {
		return nil, fmt.Errorf("flag later record: %w", err)
	}
	pair.Earlier.ConflictFlag = true
	pair.Later.ConflictFlag = true
	return reflection, nil
}
