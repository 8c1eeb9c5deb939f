// Package eris holds the molecular orbital integrals consumed by the CCSD
// amplitude equations.
//
// Two-electron integrals are in chemists' notation, (pq|rs), and are split
// into blocks by the occupied (o) or virtual (v) character of each index.
// Orbital indices inside a block are relative to the start of their space.
//
// References:
//   - Molecular Electronic-Structure Theory, Helgaker, Jorgensen, Olsen, chapter 13
//   - Q. Sun et al., PySCF: the Python-based simulations of chemistry framework, WIREs Comput Mol Sci 2018
package eris

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/fumin/ccsd/mat"
	"github.com/fumin/ccsd/tensor"
)

const (
	nameVovv = "vovv"
	nameVvvv = "vvvv"
)

// ERIs is the integral container of one CCSD run.
// It is immutable once built.
type ERIs struct {
	Nocc int
	Nvir int
	// Fock is the nmo x nmo Fock matrix in the active molecular orbital basis.
	Fock *tensor.Dense
	// EHF is the reference energy, zero if unknown.
	EHF float64
	// Frozen is the selection the active space was built with.
	Frozen Frozen

	Oooo *tensor.Dense // [i,j,k,l] = (ij|kl)
	Ovoo *tensor.Dense // [i,a,j,k] = (ia|jk)
	Oovv *tensor.Dense // [i,j,a,b] = (ij|ab)
	Ovvo *tensor.Dense // [i,a,b,j] = (ia|bj)

	// vovv[a,i,bc] = (ia|bc) with bc the packed pair b>=c.
	vovv slabs

	Source Source
}

// Source tells where the vvvv integrals come from.
// It is either *Precomputed or *OnTheFly.
type Source interface {
	source()
}

// Precomputed holds the packed vvvv block, [ab,cd] = (ab|cd) with a>=b and c>=d.
type Precomputed struct {
	vvvv slabs
}

func (*Precomputed) source() {}

// LoadVvvv returns rows [row0, row1) of the packed vvvv block.
func (p *Precomputed) LoadVvvv(row0, row1 int) (*tensor.Dense, error) {
	return p.vvvv.read(row0, row1)
}

// OnTheFly asks for the vvvv contraction to be carried out in the atomic
// orbital basis, without ever forming the vvvv block.
type OnTheFly struct {
	// MoCoeff is the nao x nmo coefficient matrix of the active orbitals.
	MoCoeff *tensor.Dense
	AO      AOIntegrals
}

func (*OnTheFly) source() {}

// Nmo returns the number of active molecular orbitals.
func (e *ERIs) Nmo() int { return e.Nocc + e.Nvir }

// MoEnergy returns the diagonal of the Fock matrix.
func (e *ERIs) MoEnergy() []float64 {
	n := e.Nmo()
	d := make([]float64, n)
	for i := range n {
		d[i] = e.Fock.At(i, i)
	}
	return d
}

// FockOO returns the occupied-occupied block of the Fock matrix.
func (e *ERIs) FockOO() *tensor.Dense {
	return e.Fock.Slice([2]int{0, e.Nocc}, [2]int{0, e.Nocc})
}

// FockOV returns the occupied-virtual block of the Fock matrix.
func (e *ERIs) FockOV() *tensor.Dense {
	return e.Fock.Slice([2]int{0, e.Nocc}, [2]int{e.Nocc, e.Nmo()})
}

// FockVV returns the virtual-virtual block of the Fock matrix.
func (e *ERIs) FockVV() *tensor.Dense {
	return e.Fock.Slice([2]int{e.Nocc, e.Nmo()}, [2]int{e.Nocc, e.Nmo()})
}

// LoadVovv returns the virtual slab [p0, p1) of the ovvv block, transposed to
// [a,i,bc] = (ia|bc).
func (e *ERIs) LoadVovv(p0, p1 int) (*tensor.Dense, error) {
	return e.vovv.read(p0, p1)
}

// Outcore moves the ovvv and vvvv blocks into store.
func (e *ERIs) Outcore(store mat.BlockStore) error {
	if err := e.vovv.spill(store, nameVovv); err != nil {
		return errors.Wrap(err, "")
	}
	if p, ok := e.Source.(*Precomputed); ok {
		if err := p.vvvv.spill(store, nameVvvv); err != nil {
			return errors.Wrap(err, "")
		}
	}
	return nil
}

// slabs is a tensor that is either resident or kept in a block store.
type slabs struct {
	t     *tensor.Dense
	store mat.BlockStore
	name  string
}

func (s *slabs) read(p0, p1 int) (*tensor.Dense, error) {
	if s.store != nil {
		t, err := s.store.ReadBlock(s.name, p0, p1)
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
		return t, nil
	}
	if p0 < 0 || p1 > s.t.Dim(0) || p0 > p1 {
		return nil, errors.Errorf("rows [%d, %d) out of %v", p0, p1, s.t.Shape())
	}
	return s.t.Slice([2]int{p0, p1}), nil
}

func (s *slabs) spill(store mat.BlockStore, name string) error {
	if s.store != nil {
		return errors.Errorf("%s already in a store", name)
	}
	if err := store.Create(name, s.t.Shape()...); err != nil {
		return errors.Wrap(err, "")
	}
	if err := store.WriteBlock(name, 0, s.t); err != nil {
		return errors.Wrap(err, "")
	}
	s.t, s.store, s.name = nil, store, name
	return nil
}

// FromMO builds the container from the Fock matrix and the 8-fold packed
// molecular orbital integrals.
func FromMO(fock *tensor.Dense, eri8 []float64, nocc int) (*ERIs, error) {
	shape := fock.Shape()
	if len(shape) != 2 || shape[0] != shape[1] {
		return nil, errors.Errorf("fock shape %v", shape)
	}
	nmo := shape[0]
	if n := Size8(nmo); len(eri8) != n {
		return nil, errors.Errorf("eri length %d, expected %d for nmo %d", len(eri8), n, nmo)
	}
	if nocc <= 0 || nocc >= nmo {
		return nil, errors.Errorf("nocc %d, nmo %d", nocc, nmo)
	}
	get := func(p, q, r, s int) float64 { return eri8[Index8(p, q, r, s)] }
	e := fill(fock.Copy(), nocc, get)
	e.Source = &Precomputed{vvvv: slabs{t: buildVvvv(nocc, nmo-nocc, get)}}
	return e, nil
}

// Index8 returns the position of (pq|rs) in an 8-fold packed array.
func Index8(p, q, r, s int) int {
	return tensor.PairIndex(tensor.PairIndex(p, q), tensor.PairIndex(r, s))
}

// Size8 returns the length of the 8-fold packed array of n orbitals.
func Size8(n int) int {
	return tensor.NumPairs(tensor.NumPairs(n))
}

func fill(fock *tensor.Dense, nocc int, eri func(p, q, r, s int) float64) *ERIs {
	nmo := fock.Dim(0)
	nvir := nmo - nocc
	np := tensor.NumPairs(nvir)
	e := &ERIs{
		Nocc: nocc, Nvir: nvir, Fock: fock,
		Oooo: tensor.Zeros(nocc, nocc, nocc, nocc),
		Ovoo: tensor.Zeros(nocc, nvir, nocc, nocc),
		Oovv: tensor.Zeros(nocc, nocc, nvir, nvir),
		Ovvo: tensor.Zeros(nocc, nvir, nvir, nocc),
	}
	vovv := tensor.Zeros(nvir, nocc, np)
	o := nocc

	for i := range nocc {
		for j := range nocc {
			for k := range nocc {
				for l := range nocc {
					e.Oooo.Set(eri(i, j, k, l), i, j, k, l)
				}
			}
			for a := range nvir {
				for b := range nvir {
					e.Oovv.Set(eri(i, j, o+a, o+b), i, j, a, b)
				}
			}
		}
		for a := range nvir {
			for j := range nocc {
				for k := range nocc {
					e.Ovoo.Set(eri(i, o+a, j, k), i, a, j, k)
				}
			}
			for b := range nvir {
				for j := range nocc {
					e.Ovvo.Set(eri(i, o+a, o+b, j), i, a, b, j)
				}
				for c := 0; c <= b; c++ {
					vovv.Set(eri(i, o+a, o+b, o+c), a, i, tensor.PairIndex(b, c))
				}
			}
		}
	}
	e.vovv = slabs{t: vovv}
	return e
}

func buildVvvv(nocc, nvir int, eri func(p, q, r, s int) float64) *tensor.Dense {
	np := tensor.NumPairs(nvir)
	vvvv := tensor.Zeros(np, np)
	data := vvvv.Data()
	o := nocc
	for a := range nvir {
		for b := 0; b <= a; b++ {
			ab := tensor.PairIndex(a, b)
			for c := range nvir {
				for d := 0; d <= c; d++ {
					data[ab*np+tensor.PairIndex(c, d)] = eri(o+a, o+b, o+c, o+d)
				}
			}
		}
	}
	return vvvv
}

func (e *ERIs) String() string {
	kind := "precomputed"
	if _, ok := e.Source.(*OnTheFly); ok {
		kind = "direct"
	}
	return fmt.Sprintf("ERIs{nocc: %d, nvir: %d, vvvv: %s}", e.Nocc, e.Nvir, kind)
}
