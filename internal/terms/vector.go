// Package terms turns fetched pages into term frequency vectors.
package terms

import "sort"

// Vector counts term occurrences for one labeled document.
type Vector struct {
	label  string
	counts map[string]int
}

// NewVector returns an empty vector for label (usually the page URL).
func NewVector(label string) *Vector {
	return &Vector{label: label, counts: make(map[string]int)}
}

// Label returns the document label.
func (v *Vector) Label() string {
	return v.label
}

// Get returns the count for term, or 0 when absent.
func (v *Vector) Get(term string) int {
	return v.counts[term]
}

// Put overwrites the count for term.
func (v *Vector) Put(term string, count int) {
	v.counts[term] = count
}

// Increment adds one occurrence of term.
func (v *Vector) Increment(term string) {
	v.counts[term]++
}

// Size returns the sum of all counts.
func (v *Vector) Size() int {
	total := 0
	for _, c := range v.counts {
		total += c
	}
	return total
}

// Len returns the number of distinct terms.
func (v *Vector) Len() int {
	return len(v.counts)
}

// Terms returns the distinct terms in lexical order.
func (v *Vector) Terms() []string {
	out := make([]string, 0, len(v.counts))
	for t := range v.counts {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Counts returns a copy of the term counts.
func (v *Vector) Counts() map[string]int {
	out := make(map[string]int, len(v.counts))
	for t, c := range v.counts {
		out[t] = c
	}
	return out
}
