// Package cluster implements seeded mini-batch k-means over row-oriented data.
//
// Rows are pulled from a Dataset one batch at a time, so the working set is
// bounded by the batch size, the init sample and the centroids rather than by
// the number of rows. For a fixed Dataset and Config the result is identical
// across runs.
package cluster

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Dataset is a read-only source of fixed-width rows.
type Dataset interface {
	Len() int
	Dim() int
	// Load copies row i into dst, which has length Dim().
	Load(i int, dst []float64)
}

var (
	// ErrInvalidK is returned when K is not positive or exceeds the row count.
	ErrInvalidK = errors.New("invalid number of clusters")
	// ErrTooFewDistinct is returned when the data holds fewer distinct rows than K.
	ErrTooFewDistinct = errors.New("fewer distinct rows than clusters")
)

// Config controls mini-batch k-means.
type Config struct {
	K         int
	BatchSize int
	// MaxIter bounds the number of passes over the data; the number of
	// mini-batch steps is MaxIter*rows/BatchSize.
	MaxIter int
	// MaxNoImprovement stops after this many consecutive steps without an
	// improvement of the smoothed batch inertia. Zero disables the check.
	MaxNoImprovement int
	// NInit is the number of k-means++ initializations; the one with the
	// lowest inertia on its sample is kept.
	NInit int
	// InitSize is the number of rows sampled for initialization.
	// Zero means 3*BatchSize.
	InitSize int
	// Tol stops when the squared center shift of one step falls below
	// Tol times the mean per-feature variance. Zero disables the check.
	Tol  float64
	Seed int64
}

// DefaultConfig returns the defaults for k clusters.
func DefaultConfig(k int) Config {
	return Config{
		K:                k,
		BatchSize:        1024,
		MaxIter:          100,
		MaxNoImprovement: 10,
		NInit:            3,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig(c.K)
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxIter <= 0 {
		c.MaxIter = d.MaxIter
	}
	if c.MaxNoImprovement < 0 {
		c.MaxNoImprovement = 0
	}
	if c.NInit <= 0 {
		c.NInit = d.NInit
	}
}

// Model is a fitted set of centroids.
type Model struct {
	Centroids [][]float64
	// Weights holds the number of samples each centroid has absorbed.
	Weights []float64
	// Steps is the number of mini-batch steps performed.
	Steps int
	// Converged reports whether a stopping criterion fired before the step budget ran out.
	Converged bool
}

// K returns the number of clusters.
func (m *Model) K() int { return len(m.Centroids) }

// Fit learns K centroids from data.
func Fit(ctx context.Context, data Dataset, cfg Config) (*Model, error) {
	n, dim := data.Len(), data.Dim()
	if cfg.K <= 0 || cfg.K > n {
		return nil, fmt.Errorf("%w: k=%d, rows=%d", ErrInvalidK, cfg.K, n)
	}
	if distinct := CountDistinct(data, cfg.K); distinct < cfg.K {
		return nil, fmt.Errorf("%w: k=%d, distinct=%d", ErrTooFewDistinct, cfg.K, distinct)
	}
	cfg.applyDefaults()

	rng := rand.New(rand.NewSource(cfg.Seed))

	batchSize := min(cfg.BatchSize, n)
	initSize := cfg.InitSize
	if initSize <= 0 {
		initSize = 3 * cfg.BatchSize
	}
	if initSize < cfg.K {
		initSize = 3 * cfg.K
	}
	initSize = min(initSize, n)

	var tol float64
	if cfg.Tol > 0 {
		tol = cfg.Tol * meanVariance(data)
	}

	// Initialization: best of NInit k-means++ runs, each on its own sample.
	sample := newBatch(initSize, dim)
	var centers [][]float64
	bestInertia := math.Inf(1)
	for run := 0; run < cfg.NInit; run++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if initSize == n {
			sample.fillAll(data)
		} else {
			sample.fill(data, rng)
		}
		c := kmeansPlusPlus(sample.rows, cfg.K, rng)
		inertia := 0.0
		for _, x := range sample.rows {
			_, d := nearest(x, c)
			inertia += d
		}
		if inertia < bestInertia {
			bestInertia = inertia
			centers = c
		}
	}

	m := &Model{
		Centroids: centers,
		Weights:   make([]float64, cfg.K),
	}

	nSteps := max(cfg.MaxIter*n/batchSize, 1)
	batch := newBatch(batchSize, dim)
	labels := make([]int, batchSize)
	sums := make([][]float64, cfg.K)
	for j := range sums {
		sums[j] = make([]float64, dim)
	}
	batchCounts := make([]float64, cfg.K)
	prev := make([]float64, dim)

	alpha := math.Min(2*float64(batchSize)/float64(n+1), 1)
	var ewa, ewaMin float64
	noImprovement := 0

	for step := 0; step < nSteps; step++ {
		if step%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		batch.fill(data, rng)

		// Assignment
		batchInertia := 0.0
		for i, x := range batch.rows {
			l, d := nearest(x, centers)
			labels[i] = l
			batchInertia += d
		}
		batchInertia /= float64(batchSize)

		// Per-center streaming mean update
		for j := range sums {
			floats.Scale(0, sums[j])
			batchCounts[j] = 0
		}
		for i, x := range batch.rows {
			floats.Add(sums[labels[i]], x)
			batchCounts[labels[i]]++
		}
		shift := 0.0
		for j, c := range centers {
			if batchCounts[j] == 0 {
				continue
			}
			copy(prev, c)
			oldW := m.Weights[j]
			newW := oldW + batchCounts[j]
			floats.Scale(oldW/newW, c)
			floats.AddScaled(c, 1/newW, sums[j])
			m.Weights[j] = newW
			shift += sqDist(prev, c)
		}
		m.Steps = step + 1

		// Early stopping on the smoothed batch inertia
		if step == 0 {
			ewa = batchInertia
		} else {
			ewa = ewa*(1-alpha) + batchInertia*alpha
		}
		if tol > 0 && shift <= tol {
			m.Converged = true
			break
		}
		if step == 0 || ewa < ewaMin {
			ewaMin = ewa
			noImprovement = 0
		} else {
			noImprovement++
		}
		if cfg.MaxNoImprovement > 0 && noImprovement >= cfg.MaxNoImprovement {
			m.Converged = true
			break
		}
	}

	return m, nil
}

// Predict assigns every row of data to its nearest centroid, reading rows in
// blocks of blockSize. It returns the labels and the total inertia.
func (m *Model) Predict(ctx context.Context, data Dataset, blockSize int) ([]int, float64, error) {
	if data.Dim() != len(m.Centroids[0]) {
		return nil, 0, fmt.Errorf("data has %d columns, model has %d", data.Dim(), len(m.Centroids[0]))
	}
	if blockSize <= 0 {
		blockSize = 1024
	}

	n := data.Len()
	labels := make([]int, n)
	row := make([]float64, data.Dim())
	inertia := 0.0
	for i := 0; i < n; i++ {
		if i%blockSize == 0 {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}
		}
		data.Load(i, row)
		l, d := nearest(row, m.Centroids)
		labels[i] = l
		inertia += d
	}
	return labels, inertia, nil
}

// Result is the outcome of FitPredict.
type Result struct {
	Model   *Model
	Labels  []int
	Inertia float64
}

// FitPredict fits a model and labels every row of data.
func FitPredict(ctx context.Context, data Dataset, cfg Config) (*Result, error) {
	m, err := Fit(ctx, data, cfg)
	if err != nil {
		return nil, err
	}
	labels, inertia, err := m.Predict(ctx, data, cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	return &Result{Model: m, Labels: labels, Inertia: inertia}, nil
}

// CountDistinct counts distinct rows of data, stopping once limit is reached.
// A non-positive limit counts all of them.
func CountDistinct(data Dataset, limit int) int {
	seen := make(map[string]struct{})
	row := make([]float64, data.Dim())
	key := make([]byte, 8*data.Dim())
	for i := 0; i < data.Len(); i++ {
		data.Load(i, row)
		for j, v := range row {
			binary.LittleEndian.PutUint64(key[8*j:], math.Float64bits(v))
		}
		seen[string(key)] = struct{}{}
		if limit > 0 && len(seen) >= limit {
			break
		}
	}
	return len(seen)
}

// batch is a reusable buffer of sampled rows.
type batch struct {
	rows [][]float64
}

func newBatch(size, dim int) *batch {
	flat := make([]float64, size*dim)
	rows := make([][]float64, size)
	for i := range rows {
		rows[i] = flat[i*dim : (i+1)*dim]
	}
	return &batch{rows: rows}
}

// fill samples rows uniformly with replacement.
func (b *batch) fill(data Dataset, rng *rand.Rand) {
	n := data.Len()
	for _, r := range b.rows {
		data.Load(rng.Intn(n), r)
	}
}

// fillAll loads rows 0..len(b.rows)-1 in order.
func (b *batch) fillAll(data Dataset) {
	for i, r := range b.rows {
		data.Load(i, r)
	}
}

func nearest(x []float64, centers [][]float64) (int, float64) {
	best, bestDist := 0, math.Inf(1)
	for j, c := range centers {
		if d := sqDist(x, c); d < bestDist {
			best, bestDist = j, d
		}
	}
	return best, bestDist
}

func sqDist(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// meanVariance returns the mean over features of the per-feature variance,
// computed in one streaming pass.
func meanVariance(data Dataset) float64 {
	n, dim := data.Len(), data.Dim()
	mean := make([]float64, dim)
	m2 := make([]float64, dim)
	row := make([]float64, dim)
	for i := 0; i < n; i++ {
		data.Load(i, row)
		for j, v := range row {
			delta := v - mean[j]
			mean[j] += delta / float64(i+1)
			m2[j] += delta * (v - mean[j])
		}
	}
	if n == 0 || dim == 0 {
		return 0
	}
	return floats.Sum(m2) / float64(n) / float64(dim)
}
