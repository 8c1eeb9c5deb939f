package ccsd

import (
	"github.com/pkg/errors"

	"github.com/fumin/ccsd/eris"
	"github.com/fumin/ccsd/mat"
	"github.com/fumin/ccsd/tensor"
)

// Energy returns the CCSD correlation energy
//
//	E = 2 f_ia t_ia + sum_ijab [2 tau_ijab - tau_jiab] (ia|bj)
//
// with tau = t2 + t1 t1, accumulated over blocks of blksize virtual orbitals.
// It modifies neither the amplitudes nor the integrals.
func Energy(t1, t2 *tensor.Dense, e *eris.ERIs, blksize int) float64 {
	nocc, nvir := e.Nocc, e.Nvir
	energy := 2 * tensor.Einsum("ia,ia->", e.FockOV(), t1).Scalar()
	for _, r := range mat.Prange(0, nvir, blksize) {
		p := [2]int{r[0], r[1]}
		ovvo := e.Ovvo.Slice([2]int{0, nocc}, p)
		tau := t2.Slice([2]int{0, nocc}, [2]int{0, nocc}, p)
		tau.Add(1, tensor.Einsum("ia,jb->ijab", t1.Slice([2]int{0, nocc}, p), t1))
		energy += 2 * tensor.Einsum("ijab,iabj->", tau, ovvo).Scalar()
		energy -= tensor.Einsum("jiab,iabj->", tau, ovvo).Scalar()
	}
	return energy
}

// Energy evaluates the correlation energy with a block size derived from the
// memory budget.
func (s *Solver) Energy(t1, t2 *tensor.Dense, e *eris.ERIs) (float64, error) {
	blk, err := s.budget(e).block(e.Nvir, float64(e.Nocc*e.Nocc*e.Nvir)/energyShare, "energy")
	if err != nil {
		return 0, errors.Wrap(err, "")
	}
	return Energy(t1, t2, e, blk), nil
}

// energyShare is the fraction of the budget used by the energy evaluation.
const energyShare = 0.3

// InitAmps returns the MP2 energy and amplitudes,
// t1 = f_ia / (e_i - e_a) and t2 = (ia|jb) / (e_i + e_j - e_a - e_b).
func (s *Solver) InitAmps(e *eris.ERIs) (float64, *tensor.Dense, *tensor.Dense, error) {
	nocc, nvir := e.Nocc, e.Nvir
	blk, err := s.budget(e).block(nvir, float64(nocc*nocc*nvir)/energyShare, "mp2")
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "")
	}
	eia := orbitalGaps(e)
	t1 := e.FockOV()
	divide(t1, eia)

	t2 := tensor.Zeros(nocc, nocc, nvir, nvir)
	var emp2 float64
	for _, r := range mat.Prange(0, nvir, blk) {
		p := [2]int{r[0], r[1]}
		ovvo := e.Ovvo.Slice([2]int{0, nocc}, p)
		t2p := ovvo.Transpose(0, 3, 1, 2)
		d := t2p.Data()
		var k int
		for i := range nocc {
			for j := range nocc {
				for a := p[0]; a < p[1]; a++ {
					for b := range nvir {
						d[k] /= eia.At(i, a) + eia.At(j, b)
						k++
					}
				}
			}
		}
		t2.SetSlice(t2p, [2]int{0, nocc}, [2]int{0, nocc}, p)
		emp2 += 2 * tensor.Einsum("ijab,iabj->", t2p, ovvo).Scalar()
		emp2 -= tensor.Einsum("jiab,iabj->", t2p, ovvo).Scalar()
	}
	s.logger.Info("init t2", "e_mp2", emp2)
	return emp2, t1, t2, nil
}

// orbitalGaps returns eia[i,a] = e_i - e_a.
func orbitalGaps(e *eris.ERIs) *tensor.Dense {
	moE := e.MoEnergy()
	eia := tensor.Zeros(e.Nocc, e.Nvir)
	for i := range e.Nocc {
		for a := range e.Nvir {
			eia.Set(moE[i]-moE[e.Nocc+a], i, a)
		}
	}
	return eia
}

// divide performs t /= eia elementwise.
func divide(t, eia *tensor.Dense) {
	d := t.Data()
	for k, v := range eia.Data() {
		d[k] /= v
	}
}
