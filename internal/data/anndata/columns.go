package anndata

import "sort"

// Categorical builds a categorical column from labels. Categories are sorted;
// an empty label is stored as the missing code -1.
func Categorical(name string, labels []string) *Column {
	seen := make(map[string]struct{})
	for _, l := range labels {
		if l != "" {
			seen[l] = struct{}{}
		}
	}
	categories := make([]string, 0, len(seen))
	for l := range seen {
		categories = append(categories, l)
	}
	sort.Strings(categories)

	index := make(map[string]int64, len(categories))
	for i, c := range categories {
		index[c] = int64(i)
	}
	codes := make([]int64, len(labels))
	for i, l := range labels {
		if l == "" {
			codes[i] = -1
			continue
		}
		codes[i] = index[l]
	}
	return &Column{Name: name, Kind: KindCategorical, Codes: codes, Categories: categories}
}

// Numeric builds a float64 column.
func Numeric(name string, values []float64) *Column {
	return &Column{Name: name, Kind: KindNumeric, Values: values}
}

// Integers builds an integer column.
func Integers(name string, values []int32) *Column {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return &Column{Name: name, Kind: KindNumeric, Integer: true, Values: out}
}

// Strings builds a string column.
func Strings(name string, values []string) *Column {
	return &Column{Name: name, Kind: KindString, Strings: values}
}
