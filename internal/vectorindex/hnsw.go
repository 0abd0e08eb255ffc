package vectorindex

import (
	"container/heap"
	"errors"
	"fmt"
	"iter"
	"math"
	"math/rand"
	"sync"
)

// ErrCapacity is returned by Add when the index holds its declared maximum.
var ErrCapacity = errors.New("index at capacity")

// Params fix the structure of an index. M and EfConstruction shape the graph
// and cannot change after construction; EfSearch only affects queries and can
// be retuned at any time.
type Params struct {
	Dims           int
	M              int
	EfConstruction int
	EfSearch       int
	Capacity       int

	// Seed drives level assignment. Zero selects a fixed default so test
	// graphs are reproducible.
	Seed int64
}

const defaultSeed = 100

// Result is one nearest neighbor match.
type Result struct {
	Label    string
	Distance float32
}

type node struct {
	vector []float32
	level  int
	// links[l] holds the neighbor positions at layer l.
	links [][]uint32
}

// Index is a growable-by-rebuild HNSW graph. Safe for concurrent use.
type Index struct {
	mu sync.RWMutex

	params   Params
	levelMul float64
	rng      *rand.Rand

	nodes     []node
	labels    []string
	positions map[string]int

	entry    int
	maxLevel int
}

// New constructs an empty index.
func New(params Params) (*Index, error) {
	if params.Dims <= 0 {
		return nil, fmt.Errorf("dims must be positive, got %d", params.Dims)
	}
	if params.M <= 1 {
		return nil, fmt.Errorf("M must exceed 1, got %d", params.M)
	}
	if params.EfConstruction < params.M {
		return nil, fmt.Errorf("efConstruction %d below M %d", params.EfConstruction, params.M)
	}
	if params.Capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", params.Capacity)
	}
	if params.EfSearch <= 0 {
		params.EfSearch = params.EfConstruction
	}
	if params.Seed == 0 {
		params.Seed = defaultSeed
	}
	return &Index{
		params:    params,
		levelMul:  1 / math.Log(float64(params.M)),
		rng:       rand.New(rand.NewSource(params.Seed)),
		positions: make(map[string]int),
		entry:     -1,
	}, nil
}

// Len returns the number of stored vectors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.nodes)
}

// Capacity returns the declared maximum element count.
func (x *Index) Capacity() int {
	return x.params.Capacity
}

// Dims returns the vector dimensionality.
func (x *Index) Dims() int {
	return x.params.Dims
}

// SetEfSearch retunes the query-time beam width.
func (x *Index) SetEfSearch(ef int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if ef > 0 {
		x.params.EfSearch = ef
	}
}

// Contains reports whether a vector with the given label is present.
func (x *Index) Contains(label string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.positions[label]
	return ok
}

// Labels returns all labels in insertion order.
func (x *Index) Labels() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, len(x.labels))
	copy(out, x.labels)
	return out
}

// Items yields (label, normalized vector) pairs in insertion order, for
// rebuilding into a larger index.
func (x *Index) Items() iter.Seq2[string, []float32] {
	return func(yield func(string, []float32) bool) {
		x.mu.RLock()
		defer x.mu.RUnlock()
		for i, label := range x.labels {
			if !yield(label, x.nodes[i].vector) {
				return
			}
		}
	}
}

// Rebuild constructs a fresh index with the same structural parameters and a
// new capacity, re-inserting every vector in insertion order so positions are
// preserved.
func (x *Index) Rebuild(capacity int) (*Index, error) {
	x.mu.RLock()
	params := x.params
	x.mu.RUnlock()
	params.Capacity = capacity

	fresh, err := New(params)
	if err != nil {
		return nil, err
	}
	for label, vec := range x.Items() {
		if err := fresh.Add(vec, label); err != nil {
			return nil, err
		}
	}
	return fresh, nil
}

// Add inserts a vector under the given label. A label already present is
// rejected; vectors are immutable once indexed. Returns ErrCapacity when the
// index is full.
func (x *Index) Add(vector []float32, label string) error {
	if len(vector) != x.params.Dims {
		return fmt.Errorf("vector has %d dims, index expects %d", len(vector), x.params.Dims)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.positions[label]; ok {
		return fmt.Errorf("label %q already indexed", label)
	}
	if len(x.nodes) >= x.params.Capacity {
		return fmt.Errorf("%w (%d elements)", ErrCapacity, x.params.Capacity)
	}

	normalized := normalize(vector)
	level := x.randomLevel()
	pos := len(x.nodes)

	links := make([][]uint32, level+1)
	x.nodes = append(x.nodes, node{vector: normalized, level: level, links: links})
	x.labels = append(x.labels, label)
	x.positions[label] = pos

	if x.entry == -1 {
		x.entry = pos
		x.maxLevel = level
		return nil
	}

	curr := x.entry
	// Greedy descent through the layers above the new node's level.
	for l := x.maxLevel; l > level; l-- {
		curr = x.greedyClosest(normalized, curr, l)
	}

	maxL := min(level, x.maxLevel)
	for l := maxL; l >= 0; l-- {
		candidates := x.searchLayer(normalized, curr, x.params.EfConstruction, l)
		neighbors := x.selectClosest(candidates, x.params.M)
		x.nodes[pos].links[l] = neighbors
		for _, n := range neighbors {
			x.linkBack(n, uint32(pos), l)
		}
		if len(candidates) > 0 {
			curr = int(candidates[0].pos)
		}
	}

	if level > x.maxLevel {
		x.maxLevel = level
		x.entry = pos
	}
	return nil
}

// KNN returns up to k nearest neighbors of the query by cosine distance.
func (x *Index) KNN(query []float32, k int) ([]Result, error) {
	if len(query) != x.params.Dims {
		return nil, fmt.Errorf("query has %d dims, index expects %d", len(query), x.params.Dims)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.entry == -1 || k <= 0 {
		return nil, nil
	}

	normalized := normalize(query)
	curr := x.entry
	for l := x.maxLevel; l > 0; l-- {
		curr = x.greedyClosest(normalized, curr, l)
	}

	ef := x.params.EfSearch
	if ef < k {
		ef = k
	}
	found := x.searchLayer(normalized, curr, ef, 0)
	if len(found) > k {
		found = found[:k]
	}

	results := make([]Result, len(found))
	for i, c := range found {
		results[i] = Result{Label: x.labels[c.pos], Distance: c.dist}
	}
	return results, nil
}

func (x *Index) randomLevel() int {
	level := int(-math.Log(x.rng.Float64()) * x.levelMul)
	return level
}

// maxNeighbors bounds a node's neighbor list per layer. The base layer keeps
// twice as many links, which is what holds recall up on dense clusters.
func (x *Index) maxNeighbors(layer int) int {
	if layer == 0 {
		return x.params.M * 2
	}
	return x.params.M
}

func (x *Index) distanceTo(query []float32, pos int) float32 {
	return 1 - dot(query, x.nodes[pos].vector)
}

// greedyClosest walks a single layer toward the query, one best neighbor at a
// time.
func (x *Index) greedyClosest(query []float32, start, layer int) int {
	curr := start
	currDist := x.distanceTo(query, curr)
	for {
		improved := false
		for _, n := range x.nodes[curr].links[layer] {
			if d := x.distanceTo(query, int(n)); d < currDist {
				curr, currDist = int(n), d
				improved = true
			}
		}
		if !improved {
			return curr
		}
	}
}

type candidate struct {
	pos  uint32
	dist float32
}

// searchLayer performs a beam search of width ef on one layer, returning the
// ef closest positions sorted by ascending distance.
func (x *Index) searchLayer(query []float32, start, ef, layer int) []candidate {
	startDist := x.distanceTo(query, start)
	visited := map[uint32]struct{}{uint32(start): {}}

	frontier := &minHeap{{uint32(start), startDist}}
	nearest := &maxHeap{{uint32(start), startDist}}

	for frontier.Len() > 0 {
		c := heap.Pop(frontier).(candidate)
		if nearest.Len() >= ef && c.dist > (*nearest)[0].dist {
			break
		}
		for _, n := range x.nodes[c.pos].links[layer] {
			if _, seen := visited[n]; seen {
				continue
			}
			visited[n] = struct{}{}
			d := x.distanceTo(query, int(n))
			if nearest.Len() < ef || d < (*nearest)[0].dist {
				heap.Push(frontier, candidate{n, d})
				heap.Push(nearest, candidate{n, d})
				if nearest.Len() > ef {
					heap.Pop(nearest)
				}
			}
		}
	}

	out := make([]candidate, nearest.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(nearest).(candidate)
	}
	return out
}

func (x *Index) selectClosest(candidates []candidate, m int) []uint32 {
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]uint32, len(candidates))
	for i, c := range candidates {
		out[i] = c.pos
	}
	return out
}

// linkBack adds a reverse edge and shrinks the neighbor list back to the
// layer bound, dropping the farthest neighbor.
func (x *Index) linkBack(from, to uint32, layer int) {
	links := append(x.nodes[from].links[layer], to)
	maxN := x.maxNeighbors(layer)
	if len(links) > maxN {
		worst := 0
		worstDist := float32(-1)
		base := x.nodes[from].vector
		for i, n := range links {
			if d := 1 - dot(base, x.nodes[n].vector); d > worstDist {
				worst, worstDist = i, d
			}
		}
		links[worst] = links[len(links)-1]
		links = links[:len(links)-1]
	}
	x.nodes[from].links[layer] = links
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

type minHeap []candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(v any)        { *h = append(*h, v.(candidate)) }

func (h *minHeap) Pop() any {
	old := *h
	v := old[len(old)-1]
	*h = old[:len(old)-1]
	return v
}

type maxHeap []candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(v any)        { *h = append(*h, v.(candidate)) }

func (h *maxHeap) Pop() any {
	old := *h
	v := old[len(old)-1]
	*h = old[:len(old)-1]
	return v
}
