package tensor

import (
	"fmt"
	"slices"
	"strings"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// Einsum contracts two tensors following a subscript specification such as
// "ijab,kjcb->ikac".
// Labels shared by a, b and the output are batched, labels shared by a and b
// only are summed, and the remaining labels are carried to the output.
// Labels must not repeat within an operand, and every output label must appear
// in an operand.
func Einsum(spec string, a, b *Dense) *Dense {
	p := parseEinsum(spec, a, b)
	return p.contract(a, b)
}

type einsumPlan struct {
	la, lb, lo []rune
	dims       map[rune]int

	batch, freeA, sum, freeB []rune
}

func parseEinsum(spec string, a, b *Dense) *einsumPlan {
	ops, out, ok := strings.Cut(spec, "->")
	if !ok {
		panic(fmt.Sprintf("missing output in %q", spec))
	}
	sa, sb, ok := strings.Cut(ops, ",")
	if !ok {
		panic(fmt.Sprintf("need two operands in %q", spec))
	}
	p := &einsumPlan{la: []rune(sa), lb: []rune(sb), lo: []rune(out), dims: make(map[rune]int)}
	bind := func(labels []rune, shape []int) {
		if len(labels) != len(shape) {
			panic(fmt.Sprintf("%q: labels %q, shape %v", spec, string(labels), shape))
		}
		seen := make(map[rune]bool)
		for i, l := range labels {
			if seen[l] {
				panic(fmt.Sprintf("%q: repeated label %q", spec, l))
			}
			seen[l] = true
			if d, ok := p.dims[l]; ok && d != shape[i] {
				panic(fmt.Sprintf("%q: label %q has dims %d and %d", spec, l, d, shape[i]))
			}
			p.dims[l] = shape[i]
		}
	}
	bind(p.la, a.shape)
	bind(p.lb, b.shape)

	seenOut := make(map[rune]bool)
	for _, l := range p.lo {
		if _, ok := p.dims[l]; !ok || seenOut[l] {
			panic(fmt.Sprintf("%q: bad output label %q", spec, l))
		}
		seenOut[l] = true
	}
	for _, l := range p.la {
		inB, inO := slices.Contains(p.lb, l), seenOut[l]
		switch {
		case inB && inO:
			p.batch = append(p.batch, l)
		case inB:
			p.sum = append(p.sum, l)
		case inO:
			p.freeA = append(p.freeA, l)
		default:
			panic(fmt.Sprintf("%q: label %q only summed in one operand", spec, l))
		}
	}
	for _, l := range p.lb {
		if slices.Contains(p.la, l) {
			continue
		}
		if !seenOut[l] {
			panic(fmt.Sprintf("%q: label %q only summed in one operand", spec, l))
		}
		p.freeB = append(p.freeB, l)
	}
	return p
}

func (p *einsumPlan) prod(labels []rune) int {
	n := 1
	for _, l := range labels {
		n *= p.dims[l]
	}
	return n
}

// operand arranges x so that each batch element is a row-major matrix, and
// reports whether that matrix must be read transposed.
func (p *einsumPlan) operand(x *Dense, labels []rune, rows, cols []rune) ([]float64, blas.Transpose) {
	normal := concat(p.batch, rows, cols)
	if slices.Equal(labels, normal) {
		return x.data, blas.NoTrans
	}
	if slices.Equal(labels, concat(p.batch, cols, rows)) {
		return x.data, blas.Trans
	}
	return x.Transpose(axesOf(labels, normal)...).data, blas.NoTrans
}

func (p *einsumPlan) contract(a, b *Dense) *Dense {
	nb, m, k, n := p.prod(p.batch), p.prod(p.freeA), p.prod(p.sum), p.prod(p.freeB)
	cLabels := concat(p.batch, p.freeA, p.freeB)
	cShape := make([]int, len(cLabels))
	for i, l := range cLabels {
		cShape[i] = p.dims[l]
	}
	c := Zeros(cShape...)

	if nb*m*n > 0 && k > 0 {
		ad, ta := p.operand(a, p.la, p.freeA, p.sum)
		bd, tb := p.operand(b, p.lb, p.sum, p.freeB)
		for x := range nb {
			am := blas64.General{Rows: m, Cols: k, Stride: k, Data: ad[x*m*k : (x+1)*m*k]}
			if ta == blas.Trans {
				am = blas64.General{Rows: k, Cols: m, Stride: m, Data: am.Data}
			}
			bm := blas64.General{Rows: k, Cols: n, Stride: n, Data: bd[x*k*n : (x+1)*k*n]}
			if tb == blas.Trans {
				bm = blas64.General{Rows: n, Cols: k, Stride: k, Data: bm.Data}
			}
			cm := blas64.General{Rows: m, Cols: n, Stride: n, Data: c.data[x*m*n : (x+1)*m*n]}
			blas64.Gemm(ta, tb, 1, am, bm, 0, cm)
		}
	}

	if slices.Equal(cLabels, p.lo) {
		return c
	}
	return c.Transpose(axesOf(cLabels, p.lo)...)
}

// axesOf returns the permutation taking the order from to the order to.
func axesOf(from, to []rune) []int {
	axes := make([]int, len(to))
	for i, l := range to {
		axes[i] = slices.Index(from, l)
	}
	return axes
}

func concat(parts ...[]rune) []rune {
	var out []rune
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
