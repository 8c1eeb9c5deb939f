package ccsd

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/fumin/ccsd/eris"
	"github.com/fumin/ccsd/mat"
	"github.com/fumin/ccsd/tensor"
)

// budget is the memory available to the blocked loops of one update, in
// float64 words.
// It depends only on the configuration and the problem size, so that block
// sizes and therefore results are reproducible.
type budget struct {
	available  float64
	floor      int
	overcommit bool
}

func (s *Solver) budget(e *eris.ERIs) budget {
	o, v := float64(e.Nocc), float64(e.Nvir)
	// t1, t2, t2new, the scratch intermediates, oooo and ovoo.
	resident := 5*o*o*v*v + o*o*o*o + o*o*o*v
	return budget{
		available:  mat.Words(s.cfg.MaxMemory)*0.9 - resident,
		floor:      s.cfg.BlockFloor,
		overcommit: s.cfg.AllowOvercommit,
	}
}

// less returns b with words reserved for other data.
func (b budget) less(words float64) budget {
	b.available -= words
	return b
}

// block returns the block size of a loop over n orbitals, each costing unit
// words.
func (b budget) block(n int, unit float64, what string) (int, error) {
	floor := min(b.floor, n)
	if !b.overcommit && b.available < float64(floor)*unit {
		return 0, errors.Wrap(ErrInsufficientMemory, fmt.Sprintf("%s: %.0f words available, %d orbitals need %.0f", what, b.available, floor, float64(floor)*unit))
	}
	return mat.BlockSize(n, b.floor, b.available, unit), nil
}

// blockSquare is block for loops over pairs of blocks, whose cost grows with
// the square of the block size.
// Blocks are capped at a quarter of n.
func (b budget) blockSquare(n int, unit float64, what string) (int, error) {
	limit := max(1, (n+3)/4)
	floor := min(b.floor, limit)
	if !b.overcommit && b.available < float64(floor*floor)*unit {
		return 0, errors.Wrap(ErrInsufficientMemory, fmt.Sprintf("%s: %.0f words available, %d orbitals need %.0f", what, b.available, floor, float64(floor*floor)*unit))
	}
	blk := b.floor
	if unit > 0 && b.available > 0 {
		blk = max(blk, int(math.Sqrt(b.available/unit)))
	}
	return max(1, min(limit, blk)), nil
}

// Update performs one step of the CCSD amplitude equations and returns the
// new t1 and t2.
// t2 must satisfy t2[i,j,a,b] == t2[j,i,b,a], and so does the returned t2.
// Neither the input amplitudes nor the integrals are modified.
func (s *Solver) Update(t1, t2 *tensor.Dense, e *eris.ERIs) (*tensor.Dense, *tensor.Dense, error) {
	nocc, nvir := e.Nocc, e.Nvir
	if err := checkAmplitudes(t1, t2, nocc, nvir); err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	if err := s.checkSource(e); err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	b := s.budget(e)
	scratch := s.scratch
	if scratch == nil {
		scratch = mat.NewScratch(s.cfg.ScratchDir, b.available)
	}
	store, err := scratch(float64(2 * nocc * nocc * nvir * nvir))
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	defer func() {
		if err := store.Close(); err != nil {
			s.logger.Warn("close scratch", "err", err)
		}
	}()

	start := time.Now()
	t2new, err := s.addVVVV(t1, t2, e, b)
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	// Halved since t2new is symmetrized with its transpose at the end.
	t2new.Scale(0.5)
	s.logger.Debug("vvvv done", "elapsed", time.Since(start))

	fov0 := e.FockOV()
	fov := fov0.Copy()
	t1new := fov0.Copy()

	foo := e.FockOO()
	zeroDiag(foo)
	foo.Add(0.5, tensor.Einsum("ia,ja->ij", fov0, t1))

	fvv := e.FockVV()
	zeroDiag(fvv)
	fvv.Add(-0.5, tensor.Einsum("ia,ib->ab", t1, fov0))

	if err := s.addOvvv(t1, t2, e, fvv, t1new, t2new, store, b); err != nil {
		return nil, nil, errors.Wrap(err, "")
	}

	unit := float64(7*nocc*nocc*nvir + nocc*nocc*nocc + nocc*nvir*nvir)
	blk, err := b.less(float64(nocc*nocc*nocc*nocc)).block(nvir, unit, "voov")
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	s.logger.Debug("voov", "blksize", blk)

	woooo := e.Oooo.Transpose(0, 2, 1, 3)
	all, allV := [2]int{0, nocc}, [2]int{0, nvir}
	ranges := mat.Prange(0, nvir, blk)
	for _, r := range ranges {
		start := time.Now()
		p := [2]int{r[0], r[1]}
		pb := [2]int{0, r[1] - r[0]}
		wVOov, err := store.ReadBlock(nameWVOov, p[0], p[1])
		if err != nil {
			return nil, nil, errors.Wrap(err, "")
		}
		wVooV, err := store.ReadBlock(nameWVooV, p[0], p[1])
		if err != nil {
			return nil, nil, errors.Wrap(err, "")
		}
		t1p := t1.Slice(all, p)

		ovoo := e.Ovoo.Slice(all, p)
		foo.Add(2, tensor.Einsum("kc,kcji->ij", t1p, ovoo))
		foo.Add(-1, tensor.Einsum("kc,icjk->ij", t1p, ovoo))
		tmp := tensor.Einsum("la,jaik->lkji", t1p, ovoo)
		woooo.Add(1, tmp).Add(1, tmp.Transpose(1, 0, 3, 2))

		wVOov.Add(-1, tensor.Einsum("jbik,ka->bjia", ovoo, t1))
		t2new.AddSlice(1, wVOov.Transpose(1, 2, 0, 3), all, all, p)
		wVooV.Add(1, tensor.Einsum("kbij,ka->bija", ovoo, t1))

		oovv := e.Oovv.Slice(all, all, p)
		t1new.AddSlice(-1, tensor.Einsum("jb,jiab->ia", t1, oovv), all, p)
		wVooV.Add(-1, oovv.Transpose(2, 0, 1, 3))

		voov := e.Ovvo.Slice(all, p).Transpose(1, 0, 3, 2)
		t2new.AddSlice(0.5, voov.Transpose(1, 2, 0, 3), all, all, p)
		t1new.AddSlice(2, tensor.Einsum("jb,aijb->ia", t1, voov), all, p)

		tmp = tensor.Einsum("ic,kjbc->ibkj", t1, oovv)
		tmp.Add(1, tensor.Einsum("bjkc,ic->jbki", voov, t1))
		t2new.AddSlice(-1, tensor.Einsum("ka,jbki->jiba", t1, tmp), all, all, p)

		fov.AddSlice(2, tensor.Einsum("kc,aikc->ia", t1, voov), all, p)
		fov.AddSlice(-1, tensor.Einsum("kc,akic->ia", t1, voov), all, p)

		tau := tensor.Einsum("ia,jb->ijab", t1p, t1).Scale(0.5).Add(1, t2.Slice(all, all, p))
		theta := tau.Transpose(1, 0, 2, 3).Scale(2).Add(-1, tau)
		fvv.Add(-1, tensor.Einsum("ijca,cjib->ab", theta, voov))
		foo.Add(1, tensor.Einsum("aikb,kjab->ij", voov, theta))

		wVOov.Add(0.5, wVooV)

		tau = t2.Slice(all, all, p).Add(1, tensor.Einsum("ia,jb->ijab", t1p, t1))
		woooo.Add(1, tensor.Einsum("ijab,aklb->ijkl", tau, voov))

		for _, rq := range ranges {
			q := [2]int{rq[0], rq[1]}
			tau := t2.Slice(all, all, q).Scale(0.5).Add(1, tensor.Einsum("ia,jb->ijab", t1.Slice(all, q), t1))
			wVooV.Add(1, tensor.Einsum("bkic,jkca->bija", voov.Slice(pb, all, all, q), tau))
		}
		for _, rq := range ranges {
			q := [2]int{rq[0], rq[1]}
			tmp := tensor.Einsum("jkca,ckib->jaib", t2.Slice(all, all, p, q), wVooV)
			t2new.AddSlice(1, tmp.Transpose(0, 2, 3, 1), all, all, allV, q)
			t2new.AddSlice(0.5, tmp.Transpose(0, 2, 1, 3), all, all, q)
		}

		wVOov.Add(1, voov)
		vOov := voov.Copy().Add(-0.5, voov.Transpose(0, 2, 1, 3))
		for _, rq := range ranges {
			q := [2]int{rq[0], rq[1]}
			tau := t2.Slice(all, all, allV, q).Transpose(0, 2, 1, 3).Scale(2)
			tau.Add(-1, t2.Slice(all, all, q).Transpose(0, 3, 1, 2))
			tau.Add(-2, tensor.Einsum("ia,jb->ibja", t1.Slice(all, q), t1))
			wVOov.AddSlice(0.5, tensor.Einsum("aikc,kcjb->aijb", vOov, tau), pb, all, all, q)
		}
		for _, rq := range ranges {
			q := [2]int{rq[0], rq[1]}
			t2pq := t2.Slice(all, all, p, q)
			theta := t2pq.Transpose(1, 0, 2, 3).Scale(-1).Add(2, t2pq)
			t2new.AddSlice(1, tensor.Einsum("kica,ckjb->ijab", theta, wVOov), all, all, q)
		}
		s.debugBlock("voov", p[0], p[1], start)
	}

	for _, r := range ranges {
		p := [2]int{r[0], r[1]}
		t2p := t2.Slice(all, all, p)
		theta := t2p.Transpose(1, 0, 2, 3).Scale(2).Add(-1, t2p)
		t1new.Add(1, tensor.Einsum("jb,ijba->ia", fov.Slice(all, p), theta))
		t1new.Add(-1, tensor.Einsum("jbki,kjba->ia", e.Ovoo.Slice(all, p), theta))

		tau := t2p.Add(1, tensor.Einsum("ia,jb->ijab", t1.Slice(all, p), t1))
		t2new.AddSlice(0.5, tensor.Einsum("ijkl,klab->ijab", woooo, tau), all, all, p)
	}

	ftij := foo.Copy().Add(0.5, tensor.Einsum("ja,ia->ij", t1, fov))
	ftab := fvv.Copy().Add(-0.5, tensor.Einsum("ia,ib->ab", t1, fov))
	t2new.Add(1, tensor.Einsum("ijac,bc->ijab", t2, ftab))
	t2new.Add(-1, tensor.Einsum("ki,kjab->ijab", ftij, t2))

	eia := orbitalGaps(e)
	t1new.Add(1, tensor.Einsum("ib,ab->ia", t1, fvv))
	t1new.Add(-1, tensor.Einsum("ja,ji->ia", t1, foo))
	divide(t1new, eia)

	symmetrize(t2new, eia)
	return t1new, t2new, nil
}

// symmetrize replaces t2 by (t2[i,j,a,b] + t2[j,i,b,a]) / (eia[i,a] + eia[j,b]).
func symmetrize(t2, eia *tensor.Dense) {
	nocc, nvir := eia.Dim(0), eia.Dim(1)
	d, e := t2.Data(), eia.Data()
	nn := nvir * nvir
	diag := make([]float64, nn)
	for i := range nocc {
		for j := range i {
			ij, ji := d[(i*nocc+j)*nn:], d[(j*nocc+i)*nn:]
			for a := range nvir {
				for b := range nvir {
					ij[a*nvir+b] = (ij[a*nvir+b] + ji[b*nvir+a]) / (e[i*nvir+a] + e[j*nvir+b])
				}
			}
			for a := range nvir {
				for b := range nvir {
					ji[b*nvir+a] = ij[a*nvir+b]
				}
			}
		}
		ii := d[(i*nocc+i)*nn : (i*nocc+i+1)*nn]
		for a := range nvir {
			for b := range nvir {
				diag[a*nvir+b] = (ii[a*nvir+b] + ii[b*nvir+a]) / (e[i*nvir+a] + e[i*nvir+b])
			}
		}
		copy(ii, diag)
	}
}

func zeroDiag(t *tensor.Dense) {
	n := t.Dim(0)
	for i := range n {
		t.Set(0, i, i)
	}
}

func checkAmplitudes(t1, t2 *tensor.Dense, nocc, nvir int) error {
	if s := t1.Shape(); len(s) != 2 || s[0] != nocc || s[1] != nvir {
		return errors.Wrap(ErrUnsupported, fmt.Sprintf("t1 shape %v, nocc %d nvir %d", s, nocc, nvir))
	}
	if s := t2.Shape(); len(s) != 4 || s[0] != nocc || s[1] != nocc || s[2] != nvir || s[3] != nvir {
		return errors.Wrap(ErrUnsupported, fmt.Sprintf("t2 shape %v, nocc %d nvir %d", s, nocc, nvir))
	}
	return nil
}
