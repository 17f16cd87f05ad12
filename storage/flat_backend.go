package storage

import (
	"context"
	"sort"
)

// flatBackend is an exact inner-product scan over a contiguous float32 slab.
type flatBackend struct {
	dim  int
	data []float32
}

func newFlatBackend(dim int) *flatBackend {
	return &flatBackend{dim: dim}
}

func (b *flatBackend) name() string { return "flat" }

// add ignores start: rows are implicitly numbered by their offset in data.
func (b *flatBackend) add(_ context.Context, _ int, vecs [][]float32) error {
	for _, v := range vecs {
		b.data = append(b.data, v...)
	}
	return nil
}

func (b *flatBackend) rows() int { return len(b.data) / b.dim }

func (b *flatBackend) search(_ context.Context, query []float32, k int) ([]int, []float32, error) {
	n := b.rows()
	positions := make([]int, n)
	scores := make([]float32, n)
	for i := 0; i < n; i++ {
		row := b.data[i*b.dim : (i+1)*b.dim]
		var dot float32
		for j, q := range query {
			dot += q * row[j]
		}
		positions[i] = i
		scores[i] = dot
	}
	sort.SliceStable(positions, func(a, c int) bool {
		return scores[positions[a]] > scores[positions[c]]
	})
	if k > n {
		k = n
	}
	top := positions[:k]
	topScores := make([]float32, k)
	for i, pos := range top {
		topScores[i] = scores[pos]
	}
	return top, topScores, nil
}

func (b *flatBackend) reset(context.Context) error {
	b.data = nil
	return nil
}

func (b *flatBackend) close() error {
	b.data = nil
	return nil
}
