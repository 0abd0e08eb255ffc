package vectorindex_test

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"waterlog/internal/services"
	"waterlog/internal/vectorindex"
)

func newIndex(t *testing.T, capacity int) *vectorindex.Index {
	t.Helper()
	idx, err := vectorindex.New(vectorindex.Params{
		Dims:           8,
		M:              16,
		EfConstruction: 100,
		EfSearch:       64,
		Capacity:       capacity,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return idx
}

func randomVectors(n, dims int) [][]float32 {
	rng := rand.New(rand.NewSource(7))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dims)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

func fill(t *testing.T, idx *vectorindex.Index, vectors [][]float32) {
	t.Helper()
	for i, v := range vectors {
		if err := idx.Add(v, labelN(i)); err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
	}
}

func labelN(i int) string {
	return "media::caps::" + string(rune('A'+i/26)) + string(rune('a'+i%26)) + "::0.0"
}

func TestSelfQueryReturnsSelf(t *testing.T) {
	idx := newIndex(t, 200)
	vectors := randomVectors(100, 8)
	fill(t, idx, vectors)

	for _, probe := range []int{0, 17, 42, 99} {
		results, err := idx.KNN(vectors[probe], 3)
		if err != nil {
			t.Fatalf("KNN failed: %v", err)
		}
		if len(results) == 0 {
			t.Fatalf("no results for probe %d", probe)
		}
		if results[0].Label != labelN(probe) {
			t.Fatalf("probe %d: nearest = %q, want %q", probe, results[0].Label, labelN(probe))
		}
		if results[0].Distance > 1e-5 {
			t.Fatalf("probe %d: self distance = %v", probe, results[0].Distance)
		}
	}
}

func TestAddRejectsBeyondCapacity(t *testing.T) {
	idx := newIndex(t, 10)
	vectors := randomVectors(11, 8)
	fill(t, idx, vectors[:10])

	err := idx.Add(vectors[10], "overflow")
	if !errors.Is(err, vectorindex.ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	if idx.Len() != 10 {
		t.Fatalf("len = %d after rejected add", idx.Len())
	}
}

func TestAddRejectsDuplicateLabel(t *testing.T) {
	idx := newIndex(t, 10)
	vectors := randomVectors(2, 8)
	if err := idx.Add(vectors[0], "dup"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := idx.Add(vectors[1], "dup"); err == nil {
		t.Fatal("duplicate label accepted")
	}
	if !idx.Contains("dup") {
		t.Fatal("Contains lost the label")
	}
	if idx.Contains("other") {
		t.Fatal("Contains invented a label")
	}
}

func TestRebuildIntoLargerIndexPreservesOrder(t *testing.T) {
	idx := newIndex(t, 10)
	vectors := randomVectors(10, 8)
	fill(t, idx, vectors)

	bigger, err := idx.Rebuild(100)
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if bigger.Capacity() != 100 {
		t.Fatalf("capacity = %d, want 100", bigger.Capacity())
	}

	got := bigger.Labels()
	want := idx.Labels()
	if len(got) != len(want) {
		t.Fatalf("label count %d vs %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("label order diverged at %d: %q vs %q", i, got[i], want[i])
		}
	}

	results, err := bigger.KNN(vectors[3], 1)
	if err != nil {
		t.Fatalf("KNN failed: %v", err)
	}
	if results[0].Label != labelN(3) {
		t.Fatalf("rebuilt index lost recall: %q", results[0].Label)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx := newIndex(t, 50)
	vectors := randomVectors(30, 8)
	fill(t, idx, vectors)

	indexName, labelsName := vectorindex.FileNames("text-embedding-3-small", "abcd1234")
	indexPath := filepath.Join(dir, indexName)
	labelsPath := filepath.Join(dir, labelsName)
	if err := idx.Save(indexPath, labelsPath); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := vectorindex.Load(indexPath, labelsPath, 32)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Len() != idx.Len() || loaded.Capacity() != idx.Capacity() {
		t.Fatalf("loaded shape %d/%d, want %d/%d",
			loaded.Len(), loaded.Capacity(), idx.Len(), idx.Capacity())
	}

	for _, probe := range []int{1, 15, 29} {
		results, err := loaded.KNN(vectors[probe], 1)
		if err != nil {
			t.Fatalf("KNN failed: %v", err)
		}
		if results[0].Label != labelN(probe) {
			t.Fatalf("probe %d after reload: %q", probe, results[0].Label)
		}
	}
}

func TestLoadRefusesChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	idx := newIndex(t, 20)
	fill(t, idx, randomVectors(5, 8))

	indexPath := filepath.Join(dir, "model:p.index")
	labelsPath := filepath.Join(dir, "model:p.labels.json")
	if err := idx.Save(indexPath, labelsPath); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Stale label map from a different graph state.
	if err := idx.Add(randomVectors(6, 8)[5], "late-add"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	otherIndex := filepath.Join(dir, "other.index")
	otherLabels := filepath.Join(dir, "other.labels.json")
	if err := idx.Save(otherIndex, otherLabels); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	stale, err := os.ReadFile(otherLabels)
	if err != nil {
		t.Fatalf("read label map: %v", err)
	}
	if err := os.WriteFile(labelsPath, stale, 0o644); err != nil {
		t.Fatalf("overwrite label map: %v", err)
	}

	if _, err := vectorindex.Load(indexPath, labelsPath, 0); !errors.Is(err, services.ErrIndexCorruption) {
		t.Fatalf("expected ErrIndexCorruption, got %v", err)
	}
}

func TestLoadRefusesMissingLabelMap(t *testing.T) {
	dir := t.TempDir()
	idx := newIndex(t, 20)
	fill(t, idx, randomVectors(5, 8))

	indexPath := filepath.Join(dir, "model:p.index")
	labelsPath := filepath.Join(dir, "model:p.labels.json")
	if err := idx.Save(indexPath, labelsPath); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := os.Remove(labelsPath); err != nil {
		t.Fatalf("remove label map: %v", err)
	}

	if _, err := vectorindex.Load(indexPath, labelsPath, 0); !errors.Is(err, services.ErrIndexCorruption) {
		t.Fatalf("expected ErrIndexCorruption, got %v", err)
	}
}

func TestEfSearchRetune(t *testing.T) {
	idx := newIndex(t, 20)
	fill(t, idx, randomVectors(10, 8))
	idx.SetEfSearch(128)

	results, err := idx.KNN(randomVectors(1, 8)[0], 5)
	if err != nil {
		t.Fatalf("KNN failed: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("results = %d, want 5", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Distance < results[i-1].Distance {
			t.Fatal("results not sorted by ascending distance")
		}
	}
}
