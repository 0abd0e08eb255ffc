package vectorindex

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"

	"waterlog/internal/fileutil"
	"waterlog/internal/services"
)

// File name suffixes for the two halves of a persisted index.
const (
	IndexFileSuffix  = ".index"
	LabelsFileSuffix = ".labels.json"
)

// FileNames returns the index and label map file names for a model identity
// and structural params id. Both ids participate so retuned graph parameters
// target fresh files instead of clobbering an incompatible graph.
func FileNames(model, paramsID string) (indexName, labelsName string) {
	base := model + ":" + paramsID
	return base + IndexFileSuffix, base + LabelsFileSuffix
}

type persistedNode struct {
	Vector []float32
	Level  int
	Links  [][]uint32
}

type persistedGraph struct {
	Params   Params
	Nodes    []persistedNode
	Entry    int
	MaxLevel int
}

type labelFile struct {
	Checksum string   `json:"checksum"`
	Labels   []string `json:"labels"`
}

// Save writes the graph and its label map. Both files are written atomically
// and carry the same checksum, so a reader can always tell whether the pair
// belongs together.
func (x *Index) Save(indexPath, labelsPath string) error {
	x.mu.RLock()
	graph := persistedGraph{
		Params:   x.params,
		Nodes:    make([]persistedNode, len(x.nodes)),
		Entry:    x.entry,
		MaxLevel: x.maxLevel,
	}
	for i, n := range x.nodes {
		graph.Nodes[i] = persistedNode{Vector: n.vector, Level: n.level, Links: n.links}
	}
	labels := make([]string, len(x.labels))
	copy(labels, x.labels)
	x.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(graph); err != nil {
		return fmt.Errorf("encode index graph: %w", err)
	}
	checksum := checksumOf(buf.Bytes())

	labelsJSON, err := json.Marshal(labelFile{Checksum: checksum, Labels: labels})
	if err != nil {
		return fmt.Errorf("encode label map: %w", err)
	}

	if err := fileutil.WriteFileAtomic(indexPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write index file: %w", err)
	}
	if err := fileutil.WriteFileAtomic(labelsPath, labelsJSON, 0o644); err != nil {
		return fmt.Errorf("write label map: %w", err)
	}
	return nil
}

// Load reads a persisted index pair. A checksum mismatch between the graph
// and the label map yields services.ErrIndexCorruption and the index refuses
// to load rather than serve wrong labels. efSearch retunes the loaded index
// when positive.
func Load(indexPath, labelsPath string, efSearch int) (*Index, error) {
	graphBytes, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, err
	}
	labelsJSON, err := os.ReadFile(labelsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, services.Wrap(services.ErrIndexCorruption, "index", "load",
				fmt.Sprintf("graph %s has no label map", indexPath), nil)
		}
		return nil, err
	}

	var lf labelFile
	if err := json.Unmarshal(labelsJSON, &lf); err != nil {
		return nil, services.Wrap(services.ErrIndexCorruption, "index", "load", "unreadable label map", err)
	}
	if got := checksumOf(graphBytes); got != lf.Checksum {
		return nil, services.Wrap(services.ErrIndexCorruption, "index", "load",
			fmt.Sprintf("label map checksum %s does not match graph %s", lf.Checksum, got), nil)
	}

	var graph persistedGraph
	if err := gob.NewDecoder(bytes.NewReader(graphBytes)).Decode(&graph); err != nil {
		return nil, services.Wrap(services.ErrIndexCorruption, "index", "load", "unreadable graph", err)
	}
	if len(graph.Nodes) != len(lf.Labels) {
		return nil, services.Wrap(services.ErrIndexCorruption, "index", "load",
			fmt.Sprintf("%d nodes vs %d labels", len(graph.Nodes), len(lf.Labels)), nil)
	}

	params := graph.Params
	if efSearch > 0 {
		params.EfSearch = efSearch
	}

	x := &Index{
		params:    params,
		levelMul:  1 / math.Log(float64(params.M)),
		rng:       rand.New(rand.NewSource(params.Seed)),
		nodes:     make([]node, len(graph.Nodes)),
		labels:    lf.Labels,
		positions: make(map[string]int, len(lf.Labels)),
		entry:     graph.Entry,
		maxLevel:  graph.MaxLevel,
	}
	for i, n := range graph.Nodes {
		x.nodes[i] = node{vector: n.Vector, level: n.Level, links: n.Links}
		x.positions[lf.Labels[i]] = i
	}
	return x, nil
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
