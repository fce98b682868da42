package cluster

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type denseRows struct {
	dim  int
	data []float64
}

func (d *denseRows) Len() int { return len(d.data) / d.dim }
func (d *denseRows) Dim() int { return d.dim }
func (d *denseRows) Load(i int, dst []float64) {
	copy(dst, d.data[i*d.dim:(i+1)*d.dim])
}

// blobs places n points around each center with small uniform jitter.
func blobs(centers [][]float64, n int, seed int64) *denseRows {
	rng := rand.New(rand.NewSource(seed))
	dim := len(centers[0])
	d := &denseRows{dim: dim}
	for _, c := range centers {
		for i := 0; i < n; i++ {
			for _, v := range c {
				d.data = append(d.data, v+rng.Float64()-0.5)
			}
		}
	}
	return d
}

func TestFitPredictSeparatesBlobs(t *testing.T) {
	ctx := context.Background()
	data := blobs([][]float64{{0, 0}, {20, 20}, {-20, 20}}, 200, 1)

	cfg := DefaultConfig(3)
	cfg.BatchSize = 64
	res, err := FitPredict(ctx, data, cfg)
	require.NoError(t, err)
	require.Len(t, res.Labels, data.Len())
	assert.Equal(t, 3, res.Model.K())

	// Every blob maps to a single label and blobs get different labels.
	seen := map[int]bool{}
	for b := 0; b < 3; b++ {
		first := res.Labels[b*200]
		for i := b * 200; i < (b+1)*200; i++ {
			assert.Equal(t, first, res.Labels[i], "row %d", i)
		}
		assert.False(t, seen[first], "label %d reused", first)
		seen[first] = true
	}
}

func TestFitDeterministicForSeed(t *testing.T) {
	ctx := context.Background()
	data := blobs([][]float64{{0, 0, 0}, {5, 5, 5}, {10, 0, 10}, {0, 10, 0}}, 150, 2)

	cfg := DefaultConfig(4)
	cfg.BatchSize = 50
	cfg.Seed = 42

	a, err := FitPredict(ctx, data, cfg)
	require.NoError(t, err)
	b, err := FitPredict(ctx, data, cfg)
	require.NoError(t, err)

	assert.Equal(t, a.Labels, b.Labels)
	assert.Equal(t, a.Model.Centroids, b.Model.Centroids)
	assert.Equal(t, a.Inertia, b.Inertia)
}

func TestLabelsWithinRange(t *testing.T) {
	ctx := context.Background()
	data := blobs([][]float64{{0}, {3}, {9}}, 40, 3)

	for k := 1; k <= 5; k++ {
		res, err := FitPredict(ctx, data, DefaultConfig(k))
		require.NoError(t, err)
		for _, l := range res.Labels {
			assert.GreaterOrEqual(t, l, 0)
			assert.Less(t, l, k)
		}
	}
}

func TestFitRejectsInvalidK(t *testing.T) {
	ctx := context.Background()
	data := &denseRows{dim: 1, data: []float64{1, 2, 3}}

	_, err := Fit(ctx, data, DefaultConfig(0))
	assert.ErrorIs(t, err, ErrInvalidK)

	_, err = Fit(ctx, data, DefaultConfig(4))
	assert.ErrorIs(t, err, ErrInvalidK)
}

func TestFitRejectsTooFewDistinctRows(t *testing.T) {
	ctx := context.Background()
	data := &denseRows{dim: 2, data: []float64{1, 1, 1, 1, 2, 2, 2, 2}}

	_, err := Fit(ctx, data, DefaultConfig(3))
	assert.ErrorIs(t, err, ErrTooFewDistinct)

	res, err := FitPredict(ctx, data, DefaultConfig(2))
	require.NoError(t, err)
	assert.Equal(t, res.Labels[0], res.Labels[1])
	assert.Equal(t, res.Labels[2], res.Labels[3])
	assert.NotEqual(t, res.Labels[0], res.Labels[2])
}

func TestCountDistinct(t *testing.T) {
	data := &denseRows{dim: 2, data: []float64{0, 1, 0, 1, 1, 0, 2, 2}}
	assert.Equal(t, 3, CountDistinct(data, 0))
	assert.Equal(t, 2, CountDistinct(data, 2))
}

func TestFitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	data := blobs([][]float64{{0, 0}, {10, 10}}, 100, 4)
	_, err := Fit(ctx, data, DefaultConfig(2))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFitWithTolerance(t *testing.T) {
	ctx := context.Background()
	data := blobs([][]float64{{0, 0}, {50, 50}}, 100, 5)

	cfg := DefaultConfig(2)
	cfg.BatchSize = 20
	cfg.Tol = 1e-3
	cfg.MaxNoImprovement = 0
	m, err := Fit(ctx, data, cfg)
	require.NoError(t, err)
	assert.LessOrEqual(t, m.Steps, cfg.MaxIter*data.Len()/cfg.BatchSize)
	assert.Equal(t, float64(m.Steps*cfg.BatchSize), m.Weights[0]+m.Weights[1])
}

func TestKMeansPlusPlusPicksDistinctCenters(t *testing.T) {
	rows := [][]float64{{0, 0}, {0, 0}, {10, 10}, {10, 10}, {-10, 5}}
	rng := rand.New(rand.NewSource(0))
	centers := kmeansPlusPlus(rows, 3, rng)
	require.Len(t, centers, 3)

	// With positive potential every draw lands on an uncovered point.
	for i := 0; i < len(centers); i++ {
		for j := i + 1; j < len(centers); j++ {
			assert.NotEqual(t, centers[i], centers[j])
		}
	}
}
