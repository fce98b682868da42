// Package spatial answers k-nearest-neighbor queries over the coordinates of
// one region.
//
// Three backends are available:
//   - quadtree: github.com/paulmach/orb/quadtree, 2-D coordinates only
//   - kdtree:   gonum.org/v1/gonum/spatial/kdtree, any dimension
//   - brute:    exhaustive scan, used as a reference in tests
//
// Every query point is part of the indexed set, so each neighbor list starts
// with the query itself at distance zero.
package spatial

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Backend selects the search structure.
type Backend string

const (
	BackendAuto     Backend = "auto"
	BackendQuadtree Backend = "quadtree"
	BackendKDTree   Backend = "kdtree"
	BackendBrute    Backend = "brute"
)

var (
	// ErrTooFewPoints is returned when k exceeds the number of indexed points.
	ErrTooFewPoints = errors.New("k exceeds number of indexed points")
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")
)

// ParseBackend validates a backend name. The empty string selects BackendAuto.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case "":
		return BackendAuto, nil
	case BackendAuto, BackendQuadtree, BackendKDTree, BackendBrute:
		return b, nil
	default:
		return "", fmt.Errorf("unknown index backend %q", s)
	}
}

// searcher returns exactly k candidate indices nearest to point q, in any order.
type searcher interface {
	candidates(q, k int, buf []int) []int
}

// Index is a k-nearest-neighbor structure over a fixed point set.
// Queries on one Index must not run concurrently.
type Index struct {
	coords  [][]float64
	dim     int
	backend Backend
	s       searcher
}

// New builds an index over coords. All coordinates must share one dimension
// and be finite.
func New(coords [][]float64, backend Backend) (*Index, error) {
	dim := 0
	if len(coords) > 0 {
		dim = len(coords[0])
	}
	for i, c := range coords {
		if len(c) != dim {
			return nil, fmt.Errorf("point %d has dimension %d, expected %d", i, len(c), dim)
		}
		for _, v := range c {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("point %d has non-finite coordinate", i)
			}
		}
	}
	if len(coords) > 0 && dim == 0 {
		return nil, errors.New("points have dimension 0")
	}

	if backend == "" || backend == BackendAuto {
		backend = BackendKDTree
		if dim == 2 {
			backend = BackendQuadtree
		}
	}

	x := &Index{coords: coords, dim: dim, backend: backend}
	switch backend {
	case BackendQuadtree:
		if dim != 2 && len(coords) > 0 {
			return nil, fmt.Errorf("quadtree backend requires 2-D coordinates, got %d-D", dim)
		}
		s, err := newQuadtreeSearcher(coords)
		if err != nil {
			return nil, err
		}
		x.s = s
	case BackendKDTree:
		x.s = newKDTreeSearcher(coords)
	case BackendBrute:
		x.s = &bruteSearcher{coords: coords}
	default:
		return nil, fmt.Errorf("unknown index backend %q", backend)
	}
	return x, nil
}

// Len returns the number of indexed points.
func (x *Index) Len() int { return len(x.coords) }

// Dim returns the coordinate dimension.
func (x *Index) Dim() int { return x.dim }

// Backend returns the backend in use after auto-selection.
func (x *Index) Backend() Backend { return x.backend }

// KNearest returns the k nearest points to indexed point q, nearest first,
// with q itself in position 0. Equidistant points are ordered by index among
// the candidates the backend returns.
func (x *Index) KNearest(q, k int) ([]int, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if k > len(x.coords) {
		return nil, fmt.Errorf("%w: k=%d, points=%d", ErrTooFewPoints, k, len(x.coords))
	}
	if q < 0 || q >= len(x.coords) {
		return nil, fmt.Errorf("query index %d out of range", q)
	}

	cand := x.s.candidates(q, k, make([]int, 0, k))
	if len(cand) != k {
		return nil, fmt.Errorf("%s backend returned %d neighbors, expected %d", x.backend, len(cand), k)
	}
	return x.order(q, cand), nil
}

// AllKNearest runs KNearest for every indexed point.
func (x *Index) AllKNearest(ctx context.Context, k int) ([][]int, error) {
	out := make([][]int, len(x.coords))
	for q := range x.coords {
		if q%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		nbrs, err := x.KNearest(q, k)
		if err != nil {
			return nil, err
		}
		out[q] = nbrs
	}
	return out, nil
}

// order sorts candidates by (distance, index) and pins q to the front.
func (x *Index) order(q int, cand []int) []int {
	dist := make(map[int]float64, len(cand))
	for _, c := range cand {
		dist[c] = sqDist(x.coords[q], x.coords[c])
	}
	sort.Slice(cand, func(i, j int) bool {
		di, dj := dist[cand[i]], dist[cand[j]]
		if di != dj {
			return di < dj
		}
		return cand[i] < cand[j]
	})

	self := -1
	for i, c := range cand {
		if c == q {
			self = i
			break
		}
	}
	if self < 0 {
		// More than k points share q's coordinates and q was left out.
		self = len(cand) - 1
		cand[self] = q
	}
	copy(cand[1:self+1], cand[:self])
	cand[0] = q
	return cand
}

func sqDist(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
