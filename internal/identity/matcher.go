package identity

import (
	"math"
)

// Match is the nearest enrolled identity to a query embedding.
type Match struct {
	Label    string
	Distance float64
}

// Matcher finds the nearest identity in a snapshot. ok is false when the
// snapshot holds nothing comparable to query.
type Matcher interface {
	Nearest(query []float32, snap *Snapshot) (m Match, ok bool)
}

// EuclideanDistance returns the L2 distance between a and b, or +Inf when the
// lengths differ.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// LinearMatcher scans every identity. On ties the first identity in store
// order wins.
type LinearMatcher struct{}

func (LinearMatcher) Nearest(query []float32, snap *Snapshot) (Match, bool) {
	best := Match{Distance: math.Inf(1)}
	found := false
	for _, id := range snap.All() {
		d := EuclideanDistance(query, id.Embedding)
		if math.IsInf(d, 1) {
			continue
		}
		if !found || d < best.Distance {
			best = Match{Label: id.Label, Distance: d}
			found = true
		}
	}
	return best, found
}
