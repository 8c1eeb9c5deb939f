package ccsd

import (
	"time"

	"github.com/pkg/errors"

	"github.com/fumin/ccsd/eris"
	"github.com/fumin/ccsd/mat"
	"github.com/fumin/ccsd/tensor"
)

const (
	nameWVOov = "wVOov"
	nameWVooV = "wVooV"
)

// addOvvv adds the terms involving the ovvv integrals to fvv, t1new and
// t2new, and leaves the intermediates wVOov[b,i,j,a] and wVooV[b,i,j,a] in
// store.
// The ovvv slabs are read one virtual block ahead of the contraction.
func (s *Solver) addOvvv(t1, t2 *tensor.Dense, e *eris.ERIs, fvv, t1new, t2new *tensor.Dense, store mat.BlockStore, b budget) error {
	nocc, nvir := e.Nocc, e.Nvir
	blk, err := b.block(nvir, float64(3*nocc*nvir*nvir+nocc*nocc*nvir), "ovvv")
	if err != nil {
		return errors.Wrap(err, "")
	}
	s.logger.Debug("ovvv", "blksize", blk, "nocc", nocc, "nvir", nvir)
	if err := store.Create(nameWVOov, nvir, nocc, nocc, nvir); err != nil {
		return errors.Wrap(err, "")
	}
	_, direct := e.Source.(*eris.OnTheFly)

	all := [2]int{0, nocc}
	wooVV := tensor.Zeros(nocc, nocc, nvir, nvir)
	err = mat.ForEach(mat.Prange(0, nvir, blk), e.LoadVovv, func(p0, p1 int, slab *tensor.Dense) error {
		start := time.Now()
		p := [2]int{p0, p1}
		vovv := tensor.UnpackTril(slab, nvir)
		t1p := t1.Slice(all, p)

		fvv.Add(2, tensor.Einsum("kc,ckab->ab", t1p, vovv))
		fvv.AddSlice(-1, tensor.Einsum("kc,bkca->ab", t1, vovv), [2]int{0, nvir}, p)

		// The direct vvvv contraction already returns this term.
		if !direct {
			tau := t2.Slice(all, all, p).Add(1, tensor.Einsum("ia,jb->ijab", t1p, t1))
			tmp := tensor.Einsum("ijcd,ckdb->ijbk", tau, vovv)
			t2new.Add(-1, tensor.Einsum("ka,ijbk->ijab", t1, tmp))
		}

		wooVV.Add(-1, tensor.Einsum("jc,ciba->jiba", t1p, vovv))
		if err := store.WriteBlock(nameWVOov, p0, tensor.Einsum("biac,jc->bija", vovv, t1)); err != nil {
			return errors.Wrap(err, "")
		}

		t2p := t2.Slice(all, all, p)
		theta := t2p.Transpose(1, 2, 0, 3).Scale(2).Add(-1, t2p.Transpose(0, 2, 1, 3))
		t1new.Add(1, tensor.Einsum("icjb,cjba->ia", theta, vovv))
		s.debugBlock("ovvv", p0, p1, start)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "")
	}

	if err := store.Create(nameWVooV, nvir, nocc, nocc, nvir); err != nil {
		return errors.Wrap(err, "")
	}
	if err := store.WriteBlock(nameWVooV, 0, wooVV.Transpose(2, 1, 0, 3)); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}
