// Package lsq assembles and solves the normal equations of a linear
// least-squares step from a sparse Jacobian given as (row, column, value)
// triplets.
//
// Rows are parameters and columns are whitened residual components, so the
// normal matrix is J*J^T.
package lsq

import (
	"fmt"
	"io"
)

// Triplet is one Jacobian entry.
type Triplet struct {
	Row   int
	Col   int
	Value float64
}

// TripletList collects Jacobian entries together with the next free column.
type TripletList struct {
	triplets      []Triplet
	nextFreeIndex int
}

// NewTripletList returns an empty list with room for capacity entries.
func NewTripletList(capacity int) *TripletList {
	return &TripletList{triplets: make([]Triplet, 0, capacity)}
}

// AddTriplet appends one entry.
func (l *TripletList) AddTriplet(row, col int, value float64) {
	l.triplets = append(l.triplets, Triplet{Row: row, Col: col, Value: value})
}

// NextFreeIndex returns the first column not used yet.
func (l *TripletList) NextFreeIndex() int { return l.nextFreeIndex }

// SetNextFreeIndex records the first column not used yet.
func (l *TripletList) SetNextFreeIndex(i int) { l.nextFreeIndex = i }

// Len returns the number of entries.
func (l *TripletList) Len() int { return len(l.triplets) }

// Triplets returns the entries in insertion order.
func (l *TripletList) Triplets() []Triplet { return l.triplets }

// Append adds the entries of other with their columns shifted past the
// columns of l, and advances the next free column accordingly.
func (l *TripletList) Append(other *TripletList) {
	base := l.nextFreeIndex
	for _, t := range other.triplets {
		l.triplets = append(l.triplets, Triplet{Row: t.Row, Col: base + t.Col, Value: t.Value})
	}
	l.nextFreeIndex = base + other.nextFreeIndex
}

// WriteTriplets dumps the entries as "row col value" lines.
func WriteTriplets(w io.Writer, l *TripletList) error {
	for _, t := range l.triplets {
		if _, err := fmt.Fprintf(w, "%d %d %.17g\n", t.Row, t.Col, t.Value); err != nil {
			return err
		}
	}
	return nil
}

// WriteVector dumps v one value per line.
func WriteVector(w io.Writer, v []float64) error {
	for _, x := range v {
		if _, err := fmt.Fprintf(w, "%.17g\n", x); err != nil {
			return err
		}
	}
	return nil
}
