package neighborhood

import "fmt"

// Matrix is the neighborhood composition matrix: one row of cell-type counts
// per cell, one column per vocabulary entry.
type Matrix struct {
	cols  int
	data  []int32
	cells []int
}

// NewMatrix allocates a zeroed matrix for the given global cell indices.
func NewMatrix(cells []int, cols int) *Matrix {
	return &Matrix{
		cols:  cols,
		data:  make([]int32, len(cells)*cols),
		cells: cells,
	}
}

// Len returns the number of rows.
func (m *Matrix) Len() int { return len(m.cells) }

// Dim returns the number of columns.
func (m *Matrix) Dim() int { return m.cols }

// Counts returns row i. The slice aliases the matrix storage.
func (m *Matrix) Counts(i int) []int32 {
	return m.data[i*m.cols : (i+1)*m.cols]
}

// Load copies row i into dst as float64.
func (m *Matrix) Load(i int, dst []float64) {
	row := m.Counts(i)
	for j, v := range row {
		dst[j] = float64(v)
	}
}

// Cell returns the global cell index that keys row i.
func (m *Matrix) Cell(i int) int { return m.cells[i] }

// CountComposition tabulates, for every cell of region, the cell types of its
// neighbors. neighbors[i] holds region-local indices of the neighbors of the
// region's i-th cell.
func CountComposition(region *Region, cells []Cell, neighbors [][]int, vocab *Vocabulary) (*Matrix, error) {
	if len(neighbors) != region.Len() {
		return nil, fmt.Errorf("region %q: %d neighbor lists for %d cells", region.Name, len(neighbors), region.Len())
	}

	m := NewMatrix(region.Cells, vocab.Len())
	for i, nbrs := range neighbors {
		row := m.Counts(i)
		for _, local := range nbrs {
			if local < 0 || local >= region.Len() {
				return nil, fmt.Errorf("region %q: neighbor index %d out of range", region.Name, local)
			}
			c := &cells[region.Cells[local]]
			col, ok := vocab.Index(c.CellType)
			if !ok {
				return nil, fmt.Errorf("region %q: cell type %q not in vocabulary", region.Name, c.CellType)
			}
			row[col]++
		}
	}
	return m, nil
}

// Concat stacks region matrices in the given order. All parts must share the
// same vocabulary width.
func Concat(parts []*Matrix) (*Matrix, error) {
	if len(parts) == 0 {
		return &Matrix{}, nil
	}

	cols := parts[0].cols
	rows := 0
	for i, p := range parts {
		if p.cols != cols {
			return nil, fmt.Errorf("part %d has %d columns, expected %d", i, p.cols, cols)
		}
		rows += p.Len()
	}

	out := &Matrix{
		cols:  cols,
		data:  make([]int32, 0, rows*cols),
		cells: make([]int, 0, rows),
	}
	for _, p := range parts {
		out.data = append(out.data, p.data...)
		out.cells = append(out.cells, p.cells...)
	}
	return out, nil
}
