package identity

import (
	"math"
	"sync"

	"github.com/coder/hnsw"
)

const (
	hnswMaxNeighbors = 16
	hnswCandidates   = 8
)

// HNSWMatcher answers nearest-identity queries from an HNSW graph built over
// the snapshot. The graph is rebuilt whenever the snapshot version changes.
// Candidates are re-ranked by exact distance so ties resolve the same way as
// LinearMatcher among the returned candidates.
type HNSWMatcher struct {
	// Candidates is how many graph neighbours are re-ranked per query.
	Candidates int

	mu      sync.Mutex
	version uint64
	built   bool
	graph   *hnsw.Graph[int]
}

func NewHNSWMatcher() *HNSWMatcher {
	return &HNSWMatcher{Candidates: hnswCandidates}
}

func (m *HNSWMatcher) Nearest(query []float32, snap *Snapshot) (Match, bool) {
	if snap.Len() == 0 || len(query) != snap.Dim() {
		return LinearMatcher{}.Nearest(query, snap)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.built || m.version != snap.Version() {
		m.rebuild(snap)
	}

	k := m.Candidates
	if k <= 0 {
		k = hnswCandidates
	}
	if k > snap.Len() {
		k = snap.Len()
	}

	neighbors := m.graph.Search(query, k)
	if len(neighbors) == 0 {
		return LinearMatcher{}.Nearest(query, snap)
	}

	all := snap.All()
	best := Match{Distance: math.Inf(1)}
	bestIdx := -1
	for _, n := range neighbors {
		if n.Key < 0 || n.Key >= len(all) {
			continue
		}
		d := EuclideanDistance(query, all[n.Key].Embedding)
		if bestIdx < 0 || d < best.Distance || (d == best.Distance && n.Key < bestIdx) {
			best = Match{Label: all[n.Key].Label, Distance: d}
			bestIdx = n.Key
		}
	}
	return best, bestIdx >= 0
}

func (m *HNSWMatcher) rebuild(snap *Snapshot) {
	g := hnsw.NewGraph[int]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors)
	g.Distance = hnsw.EuclideanDistance

	for i, id := range snap.All() {
		if len(id.Embedding) == 0 {
			continue
		}
		g.Add(hnsw.MakeNode(i, id.Embedding))
	}

	m.graph = g
	m.version = snap.Version()
	m.built = true
}
