package tensor

import "fmt"

// PairIndex returns the position of (i, j) in a row-major lower triangle.
func PairIndex(i, j int) int {
	if i < j {
		i, j = j, i
	}
	return i*(i+1)/2 + j
}

// NumPairs returns n(n+1)/2.
func NumPairs(n int) int { return n * (n + 1) / 2 }

// PackTril packs the lower triangles, diagonal included, of the trailing
// square axes of t.
// The result has shape [..., n(n+1)/2].
func PackTril(t *Dense) *Dense {
	r := len(t.shape)
	if r < 2 || t.shape[r-1] != t.shape[r-2] {
		panic(fmt.Sprintf("not square %v", t.shape))
	}
	n := t.shape[r-1]
	np := NumPairs(n)
	shape := append(t.Shape()[:r-2], np)
	out := Zeros(shape...)
	nb := len(t.data) / max(1, n*n)
	if n == 0 {
		return out
	}
	for x := range nb {
		src := t.data[x*n*n : (x+1)*n*n]
		dst := out.data[x*np : (x+1)*np]
		for i := range n {
			copy(dst[i*(i+1)/2:i*(i+1)/2+i+1], src[i*n:i*n+i+1])
		}
	}
	return out
}

// UnpackTril is the inverse of PackTril for symmetric matrices.
// t has shape [..., n(n+1)/2] and the result [..., n, n].
func UnpackTril(t *Dense, n int) *Dense {
	r := len(t.shape)
	np := NumPairs(n)
	if r < 1 || t.shape[r-1] != np {
		panic(fmt.Sprintf("shape %v is not packed for n=%d", t.shape, n))
	}
	shape := append(t.Shape()[:r-1], n, n)
	out := Zeros(shape...)
	if np == 0 {
		return out
	}
	nb := len(t.data) / np
	for x := range nb {
		src := t.data[x*np : (x+1)*np]
		dst := out.data[x*n*n : (x+1)*n*n]
		for i := range n {
			for j := 0; j <= i; j++ {
				v := src[i*(i+1)/2+j]
				dst[i*n+j] = v
				dst[j*n+i] = v
			}
		}
	}
	return out
}
