package anndata

import (
	"errors"
	"math"

	"github.com/atlasmap-sc/neighborhood/internal/neighborhood"
)

// Fields names the dataset fields that make up a cell.
type Fields struct {
	// Spatial is the obsm key of the coordinates.
	Spatial string
	// CellType and Region are obs column names.
	CellType string
	Region   string
}

// LoadCells builds one Cell per obs row, in obs order. An absent field, or a
// missing value on any cell, is a *neighborhood.MissingFieldError.
func (d *Dataset) LoadCells(f Fields) ([]neighborhood.Cell, error) {
	coords, err := d.Obsm(f.Spatial)
	if errors.Is(err, ErrNotFound) {
		return nil, &neighborhood.MissingFieldError{Field: "obsm/" + f.Spatial}
	}
	if err != nil {
		return nil, err
	}

	types, err := d.obsField(f.CellType)
	if err != nil {
		return nil, err
	}
	regions, err := d.obsField(f.Region)
	if err != nil {
		return nil, err
	}

	cells := make([]neighborhood.Cell, d.NObs())
	for i := range cells {
		c := &cells[i]
		c.ID = d.obsNames[i]

		row := coords.Row(i)
		for _, v := range row {
			if math.IsNaN(v) {
				return nil, &neighborhood.MissingFieldError{Field: "obsm/" + f.Spatial, Cell: c.ID}
			}
		}
		c.Coord = row

		var ok bool
		if c.CellType, ok = types.Label(i); !ok {
			return nil, &neighborhood.MissingFieldError{Field: "obs/" + f.CellType, Cell: c.ID}
		}
		if c.Region, ok = regions.Label(i); !ok {
			return nil, &neighborhood.MissingFieldError{Field: "obs/" + f.Region, Cell: c.ID}
		}
	}
	return cells, nil
}

func (d *Dataset) obsField(name string) (*Column, error) {
	col, err := d.Obs(name)
	if errors.Is(err, ErrNotFound) {
		return nil, &neighborhood.MissingFieldError{Field: "obs/" + name}
	}
	return col, err
}
