package ccsd

import (
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/fumin/ccsd/eris"
	"github.com/fumin/ccsd/mat"
	"github.com/fumin/ccsd/tensor"
)

// addVVVV returns Ht2[i,j,a,b] = sum_cd tau[i,j,c,d] (ac|bd) with
// tau = t2 + t1 t1.
// Only the pairs i>=j are contracted; the rest follows from
// Ht2[j,i,b,a] = Ht2[i,j,a,b].
// With an OnTheFly source the result also contains the t1 tau ovvv term of
// the doubles equation.
func (s *Solver) addVVVV(t1, t2 *tensor.Dense, e *eris.ERIs, b budget) (*tensor.Dense, error) {
	tau := tauTril(t1, t2)
	var ht *tensor.Dense
	var err error
	switch src := e.Source.(type) {
	case *eris.Precomputed:
		ht, err = s.contractVVVV(tau, src, b)
	case *eris.OnTheFly:
		ht, err = s.contractVVVVDirect(tau, t1, src, b)
	default:
		err = errors.Wrap(ErrUnsupported, "nil vvvv source")
	}
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return unpackJIBA(ht, e.Nocc, e.Nvir), nil
}

// tauTril returns tau[ij,a,b] = t2[i,j,a,b] + t1[i,a] t1[j,b] for i>=j, with
// ij the packed pair index.
func tauTril(t1, t2 *tensor.Dense) *tensor.Dense {
	nocc, nvir := t1.Dim(0), t1.Dim(1)
	tau := tensor.Zeros(tensor.NumPairs(nocc), nvir, nvir)
	d, d1, d2 := tau.Data(), t1.Data(), t2.Data()
	var k int
	for i := range nocc {
		for j := 0; j <= i; j++ {
			src := d2[(i*nocc+j)*nvir*nvir:]
			for a := range nvir {
				for b := range nvir {
					d[k] = src[a*nvir+b] + d1[i*nvir+a]*d1[j*nvir+b]
					k++
				}
			}
		}
	}
	return tau
}

// unpackJIBA expands ht[ij,a,b], i>=j, into Ht2 with Ht2[j,i,b,a] = Ht2[i,j,a,b].
func unpackJIBA(ht *tensor.Dense, nocc, nvir int) *tensor.Dense {
	out := tensor.Zeros(nocc, nocc, nvir, nvir)
	d, src := out.Data(), ht.Data()
	nn := nvir * nvir
	for i := range nocc {
		for j := 0; j <= i; j++ {
			x := src[tensor.PairIndex(i, j)*nn:]
			ji := d[(j*nocc+i)*nn:]
			for a := range nvir {
				for b := range nvir {
					ji[b*nvir+a] = x[a*nvir+b]
				}
			}
			copy(d[(i*nocc+j)*nn:(i*nocc+j+1)*nn], x[:nn])
		}
	}
	return out
}

// contractBlock adds to h the contribution of eri[c,d,a,b] = (ca|db), with c
// in [i0, i1), a in [j0, j1) and d, b running over all n orbitals.
// x and h are [nx, n, n] row-major.
// A block with i0 > j0 also stands for its transpose.
func contractBlock(h, x []float64, nx, n int, eri []float64, i0, i1, j0, j1 int) {
	ic, jc, nn := i1-i0, j1-j0, n*n
	w := blas64.General{Rows: ic * n, Cols: jc * n, Stride: jc * n, Data: eri}
	xi := blas64.General{Rows: nx, Cols: ic * n, Stride: nn, Data: x[i0*n:]}
	hj := blas64.General{Rows: nx, Cols: jc * n, Stride: nn, Data: h[j0*n:]}
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, xi, w, 1, hj)
	if i0 > j0 {
		xj := blas64.General{Rows: nx, Cols: jc * n, Stride: nn, Data: x[j0*n:]}
		hi := blas64.General{Rows: nx, Cols: ic * n, Stride: nn, Data: h[i0*n:]}
		blas64.Gemm(blas.NoTrans, blas.Trans, 1, xj, w, 1, hi)
	}
}

// contractVVVV contracts tau with the packed MO vvvv block.
// Rows of the block are streamed in slabs [i0(i0+1)/2, i1(i1+1)/2), and the
// next slab is read while the current one is contracted.
func (s *Solver) contractVVVV(tau *tensor.Dense, src *eris.Precomputed, b budget) (*tensor.Dense, error) {
	nx, nvir := tau.Dim(0), tau.Dim(1)
	npair := tensor.NumPairs(nvir)
	unit := float64(2*nvir*npair) + float64(nvir*nvir*nvir)/4
	blk, err := b.blockSquare(nvir, unit, "vvvv")
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	s.logger.Debug("vvvv", "blksize", blk, "nvir", nvir)

	ht := tensor.Zeros(nx, nvir, nvir)
	x, h := tau.Data(), ht.Data()
	ranges := mat.Prange(0, nvir, blk)
	rows := make([][2]int, len(ranges))
	for k, r := range ranges {
		rows[k] = [2]int{tensor.NumPairs(r[0]), tensor.NumPairs(r[1])}
	}
	var k int
	err = mat.ForEach(rows, src.LoadVvvv, func(off0, _ int, slab *tensor.Dense) error {
		start := time.Now()
		i0, i1 := ranges[k][0], ranges[k][1]
		k++
		sd := slab.Data()
		for _, r := range mat.Prange(0, i1, blk) {
			j0, j1 := r[0], r[1]
			eri := make([]float64, (i1-i0)*nvir*(j1-j0)*nvir)
			var n int
			for c := i0; c < i1; c++ {
				for d := range nvir {
					for a := j0; a < j1; a++ {
						row := sd[(tensor.PairIndex(c, a)-off0)*npair:]
						for bb := range nvir {
							eri[n] = row[tensor.PairIndex(d, bb)]
							n++
						}
					}
				}
			}
			contractBlock(h, x, nx, nvir, eri, i0, i1, j0, j1)
		}
		s.debugBlock("vvvv", i0, i1, start)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return ht, nil
}

// contractVVVVDirect carries out the vvvv contraction over atomic orbitals.
// Shell pairs whose Schwarz bound falls below the screening threshold are
// skipped.
func (s *Solver) contractVVVVDirect(tau, t1 *tensor.Dense, src *eris.OnTheFly, b budget) (*tensor.Dense, error) {
	nx, nvir := tau.Dim(0), tau.Dim(1)
	nocc := t1.Dim(0)
	nao := src.AO.NAO()
	if shape := src.MoCoeff.Shape(); shape[0] != nao || shape[1] != nocc+nvir {
		return nil, errors.Errorf("mo_coeff %v, nao %d, nmo %d", shape, nao, nocc+nvir)
	}
	cOcc := src.MoCoeff.Slice([2]int{0, nao}, [2]int{0, nocc})
	cVir := src.MoCoeff.Slice([2]int{0, nao}, [2]int{nocc, nocc + nvir})

	blk, err := b.blockSquare(nao, float64(2*nao*nao), "direct vvvv")
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	ranges := eris.BalancePartition(src.AO.ShellOffsets(), blk)
	s.logger.Debug("direct vvvv", "blksize", blk, "nao", nao, "shell_ranges", len(ranges))

	tauAO := tensor.Einsum("xcd,nd->xcn", tau, cVir)
	tauAO = tensor.Einsum("mc,xcn->xmn", cVir, tauAO)

	q := eris.Schwarz(src.AO)
	var qmax float64
	for _, v := range q.Data() {
		qmax = max(qmax, v)
	}
	buf := tensor.Zeros(nx, nao, nao)
	var skipped int
	for ip, ri := range ranges {
		start := time.Now()
		for _, rj := range ranges[:ip+1] {
			if blockMax(q, ri, rj)*qmax < s.cfg.DirectScreen {
				skipped++
				continue
			}
			eri := eris.LadderBlock(src.AO, ri.AO0, ri.AO1, rj.AO0, rj.AO1)
			contractBlock(buf.Data(), tauAO.Data(), nx, nao, eri.Data(), ri.AO0, ri.AO1, rj.AO0, rj.AO1)
		}
		s.debugBlock("direct vvvv", ri.AO0, ri.AO1, start)
	}
	if skipped > 0 {
		s.logger.Debug("direct vvvv screened", "blocks", skipped)
	}

	halfV := tensor.Einsum("xmn,nb->xmb", buf, cVir)
	ht := tensor.Einsum("ma,xmb->xab", cVir, halfV)

	// t1 tau ovvv terms from the occupied back transforms.
	tmp := tensor.Einsum("xmn,nk->xmk", buf, cOcc)
	tmp = tensor.Einsum("ma,xmk->xak", cVir, tmp)
	ht.Add(-1, tensor.Einsum("xak,kb->xab", tmp, t1))
	tmp = tensor.Einsum("mk,xmb->xkb", cOcc, halfV)
	ht.Add(-1, tensor.Einsum("ka,xkb->xab", t1, tmp))
	return ht, nil
}

func blockMax(q *tensor.Dense, ri, rj eris.ShellRange) float64 {
	n := q.Dim(1)
	d := q.Data()
	var m float64
	for c := ri.AO0; c < ri.AO1; c++ {
		for _, v := range d[c*n+rj.AO0 : c*n+rj.AO1] {
			m = max(m, v)
		}
	}
	return m
}
