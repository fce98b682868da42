// Package neighborhood holds the cell model and the per-region stages of the
// neighborhood analysis: region partitioning, the global cell-type vocabulary
// and neighborhood composition counting.
package neighborhood

import "fmt"

// Cell is one observation of the spatial dataset.
type Cell struct {
	ID       string
	Coord    []float64
	CellType string
	Region   string
}

// Validate checks that the fields required by the analysis are present.
// dim is the expected coordinate dimension; zero skips the dimension check.
func (c *Cell) Validate(dim int) error {
	if len(c.Coord) == 0 {
		return &MissingFieldError{Field: "spatial", Cell: c.ID}
	}
	if dim > 0 && len(c.Coord) != dim {
		return fmt.Errorf("cell %q: coordinate dimension %d, expected %d", c.ID, len(c.Coord), dim)
	}
	if c.CellType == "" {
		return &MissingFieldError{Field: "cell_type", Cell: c.ID}
	}
	if c.Region == "" {
		return &MissingFieldError{Field: "region", Cell: c.ID}
	}
	return nil
}
