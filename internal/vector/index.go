// Package vector provides an in-process similarity index over embedding
// vectors. Vectors are L2-normalized on insert, so inner product equals
// cosine similarity; re-ranking weights elsewhere in the engine are tuned
// against cosine scores in [-1, 1].
//
// Small collections are searched exactly with a flat scan. Once the
// collection grows past a threshold the index partitions vectors into
// centroid buckets and probes only the nearest buckets. The switch is
// internal; callers observe the same contract either way.
package vector

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	// ErrDimensionMismatch indicates a vector whose length differs from the
	// index's fixed dimension. This is a programming or configuration error
	// and is never retried.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrCorruptIndexFile indicates an unreadable persisted index. Callers
	// should start with an empty index and schedule a rebuild.
	ErrCorruptIndexFile = errors.New("corrupt index file")
)

// defaultPartitionThreshold is the collection size at which search switches
// from an exact flat scan to centroid-partitioned probing.
const defaultPartitionThreshold = 10_000

// probeBuckets is how many nearest centroid buckets a partitioned search visits.
const probeBuckets = 8

// Result is one search hit.
type Result struct {
	ID         string
	Similarity float64
}

// Index maps record IDs to normalized embedding vectors and supports
// similarity search. Mutation and search follow a single-writer,
// multiple-reader discipline via an RWMutex.
type Index struct {
	mu  sync.RWMutex
	dim int

	ids  []string
	vecs [][]float32
	byID map[string]int

	partitionThreshold int

	// Partition state, rebuilt lazily when stale.
	centroids   [][]float32
	buckets     [][]int
	partitioned bool
}

// NewIndex creates an empty index with the given fixed dimension.
func NewIndex(dim int) *Index {
	return &Index{
		dim:                dim,
		byID:               make(map[string]int),
		partitionThreshold: defaultPartitionThreshold,
	}
}

// Dimension returns the index's fixed vector dimension.
func (ix *Index) Dimension() int {
	return ix.dim
}

// Size returns the number of indexed vectors.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.ids)
}

// Add inserts the given id/vector pairs. IDs already present are skipped.
// Every vector must match the index dimension or the whole call fails with
// ErrDimensionMismatch before anything is inserted.
func (ix *Index) Add(ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids (%d) and vectors (%d) length differ", len(ids), len(vectors))
	}
	for i, v := range vectors {
		if len(v) != ix.dim {
			return fmt.Errorf("%w: vector %d has dimension %d, index expects %d",
				ErrDimensionMismatch, i, len(v), ix.dim)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	for i, id := range ids {
		if _, exists := ix.byID[id]; exists {
			continue
		}
		ix.byID[id] = len(ix.ids)
		ix.ids = append(ix.ids, id)
		ix.vecs = append(ix.vecs, normalize(vectors[i]))
	}
	ix.partitioned = false
	return nil
}

// Remove deletes the given IDs, returning how many were actually present.
func (ix *Index) Remove(ids []string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	removed := 0
	for _, id := range ids {
		slot, ok := ix.byID[id]
		if !ok {
			continue
		}
		last := len(ix.ids) - 1
		if slot != last {
			ix.ids[slot] = ix.ids[last]
			ix.vecs[slot] = ix.vecs[last]
			ix.byID[ix.ids[slot]] = slot
		}
		ix.ids = ix.ids[:last]
		ix.vecs = ix.vecs[:last]
		delete(ix.byID, id)
		removed++
	}
	if removed > 0 {
		ix.partitioned = false
	}
	return removed
}

// Rebuild replaces the entire index contents in one swap.
func (ix *Index) Rebuild(ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids (%d) and vectors (%d) length differ", len(ids), len(vectors))
	}
	for i, v := range vectors {
		if len(v) != ix.dim {
			return fmt.Errorf("%w: vector %d has dimension %d, index expects %d",
				ErrDimensionMismatch, i, len(v), ix.dim)
		}
	}

	newIDs := make([]string, 0, len(ids))
	newVecs := make([][]float32, 0, len(ids))
	newByID := make(map[string]int, len(ids))
	for i, id := range ids {
		if _, exists := newByID[id]; exists {
			continue
		}
		newByID[id] = len(newIDs)
		newIDs = append(newIDs, id)
		newVecs = append(newVecs, normalize(vectors[i]))
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.ids = newIDs
	ix.vecs = newVecs
	ix.byID = newByID
	ix.partitioned = false
	return nil
}

// Search returns up to topK IDs most similar to query, best first.
func (ix *Index) Search(query []float32, topK int) ([]Result, error) {
	if len(query) != ix.dim {
		return nil, fmt.Errorf("%w: query has dimension %d, index expects %d",
			ErrDimensionMismatch, len(query), ix.dim)
	}
	if topK < 1 {
		return nil, nil
	}

	q := normalize(query)

	ix.mu.RLock()
	usePartitions := len(ix.ids) >= ix.partitionThreshold
	stale := usePartitions && !ix.partitioned
	ix.mu.RUnlock()

	if stale {
		ix.mu.Lock()
		if !ix.partitioned && len(ix.ids) >= ix.partitionThreshold {
			ix.buildPartitions()
		}
		ix.mu.Unlock()
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.ids) == 0 {
		return nil, nil
	}

	var results []Result
	if usePartitions && ix.partitioned {
		results = ix.searchPartitioned(q, topK)
	} else {
		results = ix.searchFlat(q, topK)
	}
	return results, nil
}

func (ix *Index) searchFlat(q []float32, topK int) []Result {
	results := make([]Result, 0, len(ix.ids))
	for slot, v := range ix.vecs {
		results = append(results, Result{ID: ix.ids[slot], Similarity: dot(q, v)})
	}
	return topResults(results, topK)
}

func (ix *Index) searchPartitioned(q []float32, topK int) []Result {
	// Rank centroids by similarity and probe the nearest buckets.
	type ranked struct {
		bucket int
		sim    float64
	}
	order := make([]ranked, len(ix.centroids))
	for i, c := range ix.centroids {
		order[i] = ranked{bucket: i, sim: dot(q, c)}
	}
	sort.Slice(order, func(i, j int) bool { return order[i].sim > order[j].sim })

	probes := probeBuckets
	if probes > len(order) {
		probes = len(order)
	}

	var results []Result
	for _, r := range order[:probes] {
		for _, slot := range ix.buckets[r.bucket] {
			results = append(results, Result{ID: ix.ids[slot], Similarity: dot(q, ix.vecs[slot])})
		}
	}
	return topResults(results, topK)
}

// buildPartitions assigns vectors to sqrt(n) centroid buckets with a single
// refinement pass. Called with the write lock held.
func (ix *Index) buildPartitions() {
	n := len(ix.ids)
	k := int(math.Sqrt(float64(n)))
	if k < 1 {
		k = 1
	}

	// Seed centroids with evenly spaced members.
	centroids := make([][]float32, k)
	step := n / k
	for i := 0; i < k; i++ {
		seed := ix.vecs[i*step]
		c := make([]float32, ix.dim)
		copy(c, seed)
		centroids[i] = c
	}

	assign := func() [][]int {
		buckets := make([][]int, k)
		for slot, v := range ix.vecs {
			best, bestSim := 0, math.Inf(-1)
			for i, c := range centroids {
				if sim := dot(v, c); sim > bestSim {
					best, bestSim = i, sim
				}
			}
			buckets[best] = append(buckets[best], slot)
		}
		return buckets
	}

	buckets := assign()

	// One refinement pass: recompute centroids as normalized bucket means.
	for i, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		mean := make([]float32, ix.dim)
		for _, slot := range bucket {
			for d, val := range ix.vecs[slot] {
				mean[d] += val
			}
		}
		inv := 1.0 / float32(len(bucket))
		for d := range mean {
			mean[d] *= inv
		}
		centroids[i] = normalize(mean)
	}
	buckets = assign()

	ix.centroids = centroids
	ix.buckets = buckets
	ix.partitioned = true
}

func topResults(results []Result, topK int) []Result {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	inv := float32(1.0 / norm)
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
