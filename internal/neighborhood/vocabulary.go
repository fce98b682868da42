package neighborhood

import "sort"

// Vocabulary is the sorted set of every cell type observed across all regions.
// It fixes the width and column order of composition vectors.
type Vocabulary struct {
	types []string
	index map[string]int
}

// NewVocabulary collects the distinct cell types of cells, sorted lexicographically.
func NewVocabulary(cells []Cell) (*Vocabulary, error) {
	seen := make(map[string]struct{})
	for i := range cells {
		t := cells[i].CellType
		if t == "" {
			return nil, &MissingFieldError{Field: "cell_type", Cell: cells[i].ID}
		}
		seen[t] = struct{}{}
	}

	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)

	return VocabularyOf(types), nil
}

// VocabularyOf builds a vocabulary from an already ordered list of distinct types.
func VocabularyOf(types []string) *Vocabulary {
	v := &Vocabulary{
		types: types,
		index: make(map[string]int, len(types)),
	}
	for i, t := range types {
		v.index[t] = i
	}
	return v
}

// Len returns the number of cell types.
func (v *Vocabulary) Len() int { return len(v.types) }

// Types returns the cell types in column order.
func (v *Vocabulary) Types() []string { return v.types }

// Index returns the column of cell type t.
func (v *Vocabulary) Index(t string) (int, bool) {
	i, ok := v.index[t]
	return i, ok
}
