package spatial

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomCoords(n, dim int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, dim)
		for d := range out[i] {
			out[i][d] = rng.Float64() * 1000
		}
	}
	return out
}

func TestBackendsAgreeWithBruteForce(t *testing.T) {
	cases := []struct {
		name    string
		dim     int
		backend Backend
	}{
		{"quadtree2d", 2, BackendQuadtree},
		{"kdtree2d", 2, BackendKDTree},
		{"kdtree3d", 3, BackendKDTree},
		{"auto3d", 3, BackendAuto},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			coords := randomCoords(300, tc.dim, 7)
			ref, err := New(coords, BackendBrute)
			require.NoError(t, err)
			idx, err := New(coords, tc.backend)
			require.NoError(t, err)

			for _, k := range []int{1, 5, 17} {
				want, err := ref.AllKNearest(context.Background(), k)
				require.NoError(t, err)
				got, err := idx.AllKNearest(context.Background(), k)
				require.NoError(t, err)
				assert.Equal(t, want, got, "k=%d", k)
			}
		})
	}
}

func TestAutoBackendSelection(t *testing.T) {
	idx, err := New(randomCoords(10, 2, 1), BackendAuto)
	require.NoError(t, err)
	assert.Equal(t, BackendQuadtree, idx.Backend())

	idx, err = New(randomCoords(10, 3, 1), "")
	require.NoError(t, err)
	assert.Equal(t, BackendKDTree, idx.Backend())
}

func TestKNearestIncludesSelfFirst(t *testing.T) {
	coords := [][]float64{{0, 0}, {1, 0}, {0, 1}, {5, 5}, {5, 6}}
	for _, b := range []Backend{BackendQuadtree, BackendKDTree, BackendBrute} {
		idx, err := New(coords, b)
		require.NoError(t, err)
		for q := range coords {
			nbrs, err := idx.KNearest(q, 3)
			require.NoError(t, err)
			assert.Len(t, nbrs, 3)
			assert.Equal(t, q, nbrs[0], "backend %s query %d", b, q)
		}
	}
}

func TestKNearestDuplicateCoordinates(t *testing.T) {
	// Four cells share one position; with k=2 the query must still come first.
	coords := [][]float64{{1, 1}, {1, 1}, {1, 1}, {1, 1}, {9, 9}}
	for _, b := range []Backend{BackendQuadtree, BackendKDTree, BackendBrute} {
		idx, err := New(coords, b)
		require.NoError(t, err)
		for q := 0; q < 4; q++ {
			nbrs, err := idx.KNearest(q, 2)
			require.NoError(t, err)
			assert.Equal(t, q, nbrs[0])
			assert.NotEqual(t, 4, nbrs[1])
			assert.NotEqual(t, q, nbrs[1])
		}
	}
}

func TestKNearestDeterministic(t *testing.T) {
	coords := randomCoords(200, 2, 3)
	a, err := New(coords, BackendQuadtree)
	require.NoError(t, err)
	b, err := New(coords, BackendQuadtree)
	require.NoError(t, err)

	ra, err := a.AllKNearest(context.Background(), 8)
	require.NoError(t, err)
	rb, err := b.AllKNearest(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, ra, rb)
}

func TestKNearestBounds(t *testing.T) {
	coords := randomCoords(4, 2, 1)
	idx, err := New(coords, BackendAuto)
	require.NoError(t, err)

	nbrs, err := idx.KNearest(0, 4)
	require.NoError(t, err)
	assert.Len(t, nbrs, 4)

	_, err = idx.KNearest(0, 5)
	assert.ErrorIs(t, err, ErrTooFewPoints)

	_, err = idx.KNearest(0, 0)
	assert.ErrorIs(t, err, ErrInvalidK)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New([][]float64{{0, 0}, {1}}, BackendAuto)
	assert.Error(t, err)

	_, err = New(randomCoords(5, 3, 1), BackendQuadtree)
	assert.Error(t, err)

	_, err = ParseBackend("ball_tree")
	assert.Error(t, err)
}

func TestAllKNearestCancelled(t *testing.T) {
	idx, err := New(randomCoords(10, 2, 1), BackendBrute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = idx.AllKNearest(ctx, 2)
	assert.ErrorIs(t, err, context.Canceled)
}
