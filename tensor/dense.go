// Package tensor implements dense row-major float64 tensors.
//
// Reshape returns views sharing the underlying data, whereas Transpose and
// Slice return fresh copies.
// Contractions are lowered onto BLAS matrix multiplications, see Einsum.
package tensor

import (
	"fmt"
	"math"
	"slices"
)

// Dense is a dense tensor stored in row-major order.
type Dense struct {
	shape []int
	data  []float64
}

// Zeros returns a tensor of the given shape filled with zeros.
// A tensor with no shape is a scalar.
func Zeros(shape ...int) *Dense {
	return &Dense{shape: slices.Clone(shape), data: make([]float64, size(shape))}
}

// New wraps data in a tensor without copying.
func New(data []float64, shape ...int) *Dense {
	if len(data) != size(shape) {
		panic(fmt.Sprintf("data length %d, shape %v", len(data), shape))
	}
	return &Dense{shape: slices.Clone(shape), data: data}
}

// Shape returns the dimensions of t.
func (t *Dense) Shape() []int { return slices.Clone(t.shape) }

// Data returns the underlying storage of t.
func (t *Dense) Data() []float64 { return t.data }

// Size returns the number of elements in t.
func (t *Dense) Size() int { return len(t.data) }

// Dim returns the length of axis i.
func (t *Dense) Dim(i int) int { return t.shape[i] }

func (t *Dense) At(idx ...int) float64 { return t.data[t.offset(idx)] }

func (t *Dense) Set(v float64, idx ...int) { t.data[t.offset(idx)] = v }

// Scalar returns the single element of a tensor of size one.
func (t *Dense) Scalar() float64 {
	if len(t.data) != 1 {
		panic(fmt.Sprintf("not a scalar %v", t.shape))
	}
	return t.data[0]
}

func (t *Dense) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("index %v, shape %v", idx, t.shape))
	}
	var off int
	for i, x := range idx {
		if x < 0 || x >= t.shape[i] {
			panic(fmt.Sprintf("index %v out of range %v", idx, t.shape))
		}
		off = off*t.shape[i] + x
	}
	return off
}

// Reshape returns a view of t with a new shape.
// At most one dimension may be -1, in which case it is inferred.
func (t *Dense) Reshape(shape ...int) *Dense {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				panic(fmt.Sprintf("multiple -1 in %v", shape))
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			panic(fmt.Sprintf("cannot reshape %v to %v", t.shape, shape))
		}
		shape[infer] = len(t.data) / known
	}
	if size(shape) != len(t.data) {
		panic(fmt.Sprintf("cannot reshape %v to %v", t.shape, shape))
	}
	return &Dense{shape: shape, data: t.data}
}

// Copy returns a deep copy of t.
func (t *Dense) Copy() *Dense {
	return &Dense{shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

// Fill sets every element of t to v.
func (t *Dense) Fill(v float64) *Dense {
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// Scale multiplies t in place by alpha.
func (t *Dense) Scale(alpha float64) *Dense {
	for i := range t.data {
		t.data[i] *= alpha
	}
	return t
}

// Add performs t += alpha * b in place.
func (t *Dense) Add(alpha float64, b *Dense) *Dense {
	if !slices.Equal(t.shape, b.shape) {
		panic(fmt.Sprintf("shape mismatch %v %v", t.shape, b.shape))
	}
	for i, v := range b.data {
		t.data[i] += alpha * v
	}
	return t
}

// Transpose returns a copy of t with its axes permuted.
// Output axis i is input axis axes[i].
func (t *Dense) Transpose(axes ...int) *Dense {
	if len(axes) != len(t.shape) {
		panic(fmt.Sprintf("axes %v, shape %v", axes, t.shape))
	}
	seen := make([]bool, len(axes))
	shape := make([]int, len(axes))
	st := strides(t.shape)
	srcStrides := make([]int, len(axes))
	for i, ax := range axes {
		if ax < 0 || ax >= len(axes) || seen[ax] {
			panic(fmt.Sprintf("invalid axes %v", axes))
		}
		seen[ax] = true
		shape[i] = t.shape[ax]
		srcStrides[i] = st[ax]
	}
	out := Zeros(shape...)
	gather(out.data, t.data, 0, shape, srcStrides)
	return out
}

// Slice returns a copy of the window of t selected by ranges.
// Axes beyond len(ranges) are taken in full.
func (t *Dense) Slice(ranges ...[2]int) *Dense {
	off, shape := t.window(ranges)
	out := Zeros(shape...)
	gather(out.data, t.data, off, shape, strides(t.shape))
	return out
}

// SetSlice copies src into the window of t selected by ranges.
func (t *Dense) SetSlice(src *Dense, ranges ...[2]int) *Dense {
	off, shape := t.window(ranges)
	if size(shape) != len(src.data) {
		panic(fmt.Sprintf("window %v, src %v", shape, src.shape))
	}
	scatter(t.data, off, strides(t.shape), src.data, shape, 0, false)
	return t
}

// AddSlice accumulates alpha*src into the window of t selected by ranges.
func (t *Dense) AddSlice(alpha float64, src *Dense, ranges ...[2]int) *Dense {
	off, shape := t.window(ranges)
	if size(shape) != len(src.data) {
		panic(fmt.Sprintf("window %v, src %v", shape, src.shape))
	}
	scatter(t.data, off, strides(t.shape), src.data, shape, alpha, true)
	return t
}

func (t *Dense) window(ranges [][2]int) (int, []int) {
	if len(ranges) > len(t.shape) {
		panic(fmt.Sprintf("ranges %v, shape %v", ranges, t.shape))
	}
	st := strides(t.shape)
	shape := slices.Clone(t.shape)
	var off int
	for i, r := range ranges {
		if r[0] < 0 || r[1] > t.shape[i] || r[0] > r[1] {
			panic(fmt.Sprintf("range %v out of %v", ranges, t.shape))
		}
		shape[i] = r[1] - r[0]
		off += r[0] * st[i]
	}
	return off, shape
}

// MaxAbsDiff returns the largest elementwise absolute difference of a and b.
func MaxAbsDiff(a, b *Dense) float64 {
	if !slices.Equal(a.shape, b.shape) {
		return math.Inf(1)
	}
	var d float64
	for i, v := range a.data {
		d = max(d, math.Abs(v-b.data[i]))
	}
	return d
}

// Norm returns the Frobenius norm of t.
func (t *Dense) Norm() float64 {
	var s float64
	for _, v := range t.data {
		s += v * v
	}
	return math.Sqrt(s)
}

func size(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("negative dimension %v", shape))
		}
		n *= d
	}
	return n
}

func strides(shape []int) []int {
	st := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		st[i] = s
		s *= shape[i]
	}
	return st
}

// gather copies the strided region of src starting at off into the contiguous dst.
func gather(dst, src []float64, off int, shape, srcStrides []int) {
	if len(dst) == 0 {
		return
	}
	if len(shape) == 0 {
		dst[0] = src[off]
		return
	}
	last := len(shape) - 1
	n, s := shape[last], srcStrides[last]
	idx := make([]int, last)
	for k := 0; k < len(dst); k += n {
		o := off
		for i, x := range idx {
			o += x * srcStrides[i]
		}
		row := dst[k : k+n]
		if s == 1 {
			copy(row, src[o:o+n])
		} else {
			for j := range row {
				row[j] = src[o+j*s]
			}
		}
		odometer(idx, shape[:last])
	}
}

// scatter writes the contiguous src into the strided region of dst starting at off.
func scatter(dst []float64, off int, dstStrides []int, src []float64, shape []int, alpha float64, accumulate bool) {
	if len(src) == 0 {
		return
	}
	if len(shape) == 0 {
		if accumulate {
			dst[off] += alpha * src[0]
		} else {
			dst[off] = src[0]
		}
		return
	}
	last := len(shape) - 1
	n, s := shape[last], dstStrides[last]
	idx := make([]int, last)
	for k := 0; k < len(src); k += n {
		o := off
		for i, x := range idx {
			o += x * dstStrides[i]
		}
		row := src[k : k+n]
		switch {
		case accumulate:
			for j, v := range row {
				dst[o+j*s] += alpha * v
			}
		case s == 1:
			copy(dst[o:o+n], row)
		default:
			for j, v := range row {
				dst[o+j*s] = v
			}
		}
		odometer(idx, shape[:last])
	}
}

func odometer(idx, shape []int) {
	for i := len(idx) - 1; i >= 0; i-- {
		idx[i]++
		if idx[i] < shape[i] {
			return
		}
		idx[i] = 0
	}
}
