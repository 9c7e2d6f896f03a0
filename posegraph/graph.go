// Package posegraph implements the nonlinear factor graph the estimation
// stack is built on: symbolic pose expressions, measurement factors with
// Gaussian or robust noise, and an incremental solver that keeps factor
// indices stable so callers can retract individual constraints later.
package posegraph

import (
	"github.com/pkg/errors"
)

// Graph is an ordered collection of factors. Indices returned by Add remain
// valid for the lifetime of the graph; removal leaves an empty slot rather
// than shifting later factors.
type Graph struct {
	factors []*Factor
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

// Add appends a factor and returns its index.
func (g *Graph) Add(f *Factor) int {
	g.factors = append(g.factors, f)
	return len(g.factors) - 1
}

// Len returns the number of slots in the graph, including removed ones.
func (g *Graph) Len() int {
	return len(g.factors)
}

// NumActive returns the number of factors still present.
func (g *Graph) NumActive() int {
	n := 0
	for _, f := range g.factors {
		if f != nil {
			n++
		}
	}
	return n
}

// At returns the factor at the given index, or nil if it was removed or the
// index is out of range.
func (g *Graph) At(i int) *Factor {
	if i < 0 || i >= len(g.factors) {
		return nil
	}
	return g.factors[i]
}

// Remove empties the slot at the given index. Removing an already removed
// slot is a no-op; an out-of-range index is an error.
func (g *Graph) Remove(i int) error {
	if i < 0 || i >= len(g.factors) {
		return errors.Errorf("factor index %d out of range [0, %d)", i, len(g.factors))
	}
	g.factors[i] = nil
	return nil
}

// Factors returns the active factors in index order.
func (g *Graph) Factors() []*Factor {
	out := make([]*Factor, 0, len(g.factors))
	for _, f := range g.factors {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}

// Result reports the outcome of a solver update.
type Result struct {
	// NewFactorIndices are the indices assigned to the submitted factors,
	// in submission order.
	NewFactorIndices []int

	// ErrorBefore and ErrorAfter are the total graph error around the
	// optimization step of the update.
	ErrorBefore, ErrorAfter float64
}

// Solver incrementally optimizes a growing factor graph. An update with no
// new factors, values or removals is a forced re-optimization pass over the
// current problem.
type Solver interface {
	Update(newFactors *Graph, newValues Values, removeIndices []int) (Result, error)
	CalculateEstimate() Values
}
