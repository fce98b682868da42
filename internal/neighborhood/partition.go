package neighborhood

// Region is a physically separate sample: the ordered subset of cells that
// share a region identifier.
type Region struct {
	Name string
	// Cells holds indices into the full cell slice, in original order.
	Cells []int
}

// Len returns the number of cells in the region.
func (r *Region) Len() int { return len(r.Cells) }

// Coords returns the coordinates of the region's cells in region order.
// The returned slices alias the cells' own coordinates.
func (r *Region) Coords(cells []Cell) [][]float64 {
	out := make([][]float64, len(r.Cells))
	for i, idx := range r.Cells {
		out[i] = cells[idx].Coord
	}
	return out
}

// PartitionByRegion splits cells into disjoint regions. Regions are returned in
// order of first appearance; cells keep their original order inside a region.
func PartitionByRegion(cells []Cell) ([]Region, error) {
	pos := make(map[string]int)
	var regions []Region

	for i := range cells {
		name := cells[i].Region
		if name == "" {
			return nil, &MissingFieldError{Field: "region", Cell: cells[i].ID}
		}
		p, ok := pos[name]
		if !ok {
			p = len(regions)
			pos[name] = p
			regions = append(regions, Region{Name: name})
		}
		regions[p].Cells = append(regions[p].Cells, i)
	}

	return regions, nil
}
