// Package diis implements Pulay's direct inversion in the iterative subspace.
//
// Every Update records a vector and, from the second call on, its difference
// to the previously returned vector as its error.
// The extrapolated vector is the combination of the recorded vectors, with
// coefficients summing to one, that minimizes the norm of the combined error.
//
// References:
//   - P. Pulay, Convergence acceleration of iterative sequences. The case of SCF iteration, Chem. Phys. Lett. 73, 393 (1980)
package diis

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrIllConditioned is returned when the subspace equations cannot be solved.
// The accompanying vector is the unmixed input.
var ErrIllConditioned = errors.New("ill-conditioned DIIS subspace")

// eigenCutoff is the smallest eigenvalue magnitude kept by the pseudo inverse.
const eigenCutoff = 1e-14

type entry struct {
	x   []float64
	err []float64
}

// DIIS is a bounded history of vectors and their errors.
type DIIS struct {
	space   int
	history []entry
	prev    []float64
}

// New returns an accelerator that keeps at most space vectors.
func New(space int) *DIIS {
	return &DIIS{space: max(1, space)}
}

// Len returns the number of recorded vectors.
func (d *DIIS) Len() int { return len(d.history) }

// Reset discards the history.
func (d *DIIS) Reset() {
	d.history = d.history[:0]
	d.prev = nil
}

// Update records x and returns the extrapolated vector.
// On ErrIllConditioned the returned vector is a copy of x.
func (d *DIIS) Update(x []float64) ([]float64, error) {
	if d.prev == nil {
		d.prev = append([]float64(nil), x...)
		return append([]float64(nil), x...), nil
	}
	if len(x) != len(d.prev) {
		return nil, errors.Errorf("vector length %d, previous %d", len(x), len(d.prev))
	}
	e := entry{x: append([]float64(nil), x...), err: make([]float64, len(x))}
	floats.SubTo(e.err, x, d.prev)
	d.history = append(d.history, e)
	if len(d.history) > d.space {
		d.history = append(d.history[:0], d.history[1:]...)
	}

	c, err := d.coefficients()
	if err != nil {
		d.prev = e.x
		return append([]float64(nil), x...), errors.Wrap(err, "")
	}
	out := make([]float64, len(x))
	for i, h := range d.history {
		floats.AddScaled(out, c[i], h.x)
	}
	// The next error is measured against what the caller continues from.
	d.prev = append([]float64(nil), out...)
	return out, nil
}

// coefficients solves the bordered system
//
//	| 0  1 ... 1 | |l |   |1|
//	| 1  B       | |c | = |0|
//
// with B[i,j] = <e_i, e_j>.
// B is divided by its largest diagonal element, which leaves c unchanged and
// keeps the system well scaled as the errors shrink.
func (d *DIIS) coefficients() ([]float64, error) {
	n := len(d.history) + 1
	var scale float64
	for _, h := range d.history {
		scale = max(scale, floats.Dot(h.err, h.err))
	}
	if scale == 0 {
		scale = 1
	}
	h := mat.NewSymDense(n, nil)
	for i := 1; i < n; i++ {
		h.SetSym(0, i, 1)
		for j := 1; j <= i; j++ {
			h.SetSym(i, j, floats.Dot(d.history[i-1].err, d.history[j-1].err)/scale)
		}
	}
	g := mat.NewVecDense(n, nil)
	g.SetVec(0, 1)

	var lu mat.LU
	lu.Factorize(h)
	var sol mat.VecDense
	if err := lu.SolveVecTo(&sol, false, g); err == nil && finite(sol.RawVector().Data) {
		return sol.RawVector().Data[1:], nil
	}

	c, err := pseudoSolve(h, g)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return c[1:], nil
}

// pseudoSolve solves h x = g through the eigen decomposition of h, dropping
// eigenvalues below eigenCutoff.
func pseudoSolve(h *mat.SymDense, g *mat.VecDense) ([]float64, error) {
	var eig mat.EigenSym
	if ok := eig.Factorize(h, true); !ok {
		return nil, errors.Wrap(ErrIllConditioned, "eigen decomposition failed")
	}
	w := eig.Values(nil)
	var v mat.Dense
	eig.VectorsTo(&v)

	n := len(w)
	x := make([]float64, n)
	var kept int
	for k, wk := range w {
		if math.Abs(wk) < eigenCutoff {
			continue
		}
		kept++
		var vg float64
		for i := range n {
			vg += v.At(i, k) * g.AtVec(i)
		}
		for i := range n {
			x[i] += v.At(i, k) * vg / wk
		}
	}
	if kept == 0 || !finite(x) {
		return nil, errors.Wrap(ErrIllConditioned, fmt.Sprintf("eigenvalues %v", w))
	}
	return x, nil
}

func finite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
