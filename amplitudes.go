package ccsd

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/fumin/ccsd/tensor"
)

// Amplitudes are the cluster amplitudes of a closed shell reference.
//
// T1 has shape [nocc, nvir] and T2 [nocc, nocc, nvir, nvir].
// T2 always satisfies T2[i,j,a,b] == T2[j,i,b,a]; the functions of this
// package rely on it without checking.
type Amplitudes struct {
	T1 *tensor.Dense
	T2 *tensor.Dense
}

// VectorSize returns the length of the packed amplitude vector.
func VectorSize(nocc, nvir int) int {
	nov := nocc * nvir
	return nov + nov*(nov+1)/2
}

// AmplitudesToVector packs t1 followed by the lower triangle of t2 viewed as
// the symmetric (nocc*nvir) x (nocc*nvir) matrix M[ia,jb] = t2[i,j,a,b].
func AmplitudesToVector(t1, t2 *tensor.Dense) []float64 {
	nocc, nvir := t1.Dim(0), t1.Dim(1)
	nov := nocc * nvir
	vec := make([]float64, VectorSize(nocc, nvir))
	copy(vec, t1.Data())
	d := t2.Data()
	k := nov
	for p := range nov {
		i, a := p/nvir, p%nvir
		for q := 0; q <= p; q++ {
			j, b := q/nvir, q%nvir
			vec[k] = d[((i*nocc+j)*nvir+a)*nvir+b]
			k++
		}
	}
	return vec
}

// VectorToAmplitudes is the inverse of AmplitudesToVector.
func VectorToAmplitudes(vec []float64, nmo, nocc int) (*tensor.Dense, *tensor.Dense, error) {
	nvir := nmo - nocc
	if nocc <= 0 || nvir <= 0 {
		return nil, nil, errors.Wrap(ErrUnsupported, fmt.Sprintf("nmo %d, nocc %d", nmo, nocc))
	}
	if n := VectorSize(nocc, nvir); len(vec) != n {
		return nil, nil, errors.Wrap(ErrUnsupported, fmt.Sprintf("vector length %d, expected %d for nmo %d nocc %d", len(vec), n, nmo, nocc))
	}
	nov := nocc * nvir
	t1 := tensor.New(append([]float64(nil), vec[:nov]...), nocc, nvir)
	t2 := tensor.Zeros(nocc, nocc, nvir, nvir)
	d := t2.Data()
	k := nov
	for p := range nov {
		i, a := p/nvir, p%nvir
		for q := 0; q <= p; q++ {
			j, b := q/nvir, q%nvir
			v := vec[k]
			d[((i*nocc+j)*nvir+a)*nvir+b] = v
			d[((j*nocc+i)*nvir+b)*nvir+a] = v
			k++
		}
	}
	return t1, t2, nil
}

// VectorSizeS4 returns the length of the antisymmetric packed vector.
func VectorSizeS4(nocc, nvir int) int {
	return nocc*nvir + nocc*(nocc-1)/2*nvir*(nvir-1)/2
}

// AmplitudesToVectorS4 packs t1 followed by t2[i,j,a,b] for i>j and a>b.
// It is meant for amplitudes antisymmetric under exchange of i,j and of a,b,
// such as the same spin component of an unrestricted reference.
func AmplitudesToVectorS4(t1, t2 *tensor.Dense) []float64 {
	nocc, nvir := t1.Dim(0), t1.Dim(1)
	vec := make([]float64, VectorSizeS4(nocc, nvir))
	copy(vec, t1.Data())
	d := t2.Data()
	k := nocc * nvir
	for i := range nocc {
		for j := range i {
			for a := range nvir {
				for b := range a {
					vec[k] = d[((i*nocc+j)*nvir+a)*nvir+b]
					k++
				}
			}
		}
	}
	return vec
}

// VectorToAmplitudesS4 is the inverse of AmplitudesToVectorS4.
func VectorToAmplitudesS4(vec []float64, nmo, nocc int) (*tensor.Dense, *tensor.Dense, error) {
	nvir := nmo - nocc
	if nocc <= 0 || nvir <= 0 {
		return nil, nil, errors.Wrap(ErrUnsupported, fmt.Sprintf("nmo %d, nocc %d", nmo, nocc))
	}
	if n := VectorSizeS4(nocc, nvir); len(vec) != n {
		return nil, nil, errors.Wrap(ErrUnsupported, fmt.Sprintf("vector length %d, expected %d", len(vec), n))
	}
	nov := nocc * nvir
	t1 := tensor.New(append([]float64(nil), vec[:nov]...), nocc, nvir)
	t2 := tensor.Zeros(nocc, nocc, nvir, nvir)
	d := t2.Data()
	at := func(i, j, a, b int) int { return ((i*nocc+j)*nvir+a)*nvir + b }
	k := nov
	for i := range nocc {
		for j := range i {
			for a := range nvir {
				for b := range a {
					v := vec[k]
					d[at(i, j, a, b)] = v
					d[at(j, i, b, a)] = v
					d[at(i, j, b, a)] = -v
					d[at(j, i, a, b)] = -v
					k++
				}
			}
		}
	}
	return t1, t2, nil
}
