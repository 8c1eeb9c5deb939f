package eris

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/fumin/ccsd/tensor"
)

// AOIntegrals evaluates two-electron integrals over atomic orbitals.
type AOIntegrals interface {
	NAO() int
	// ShellOffsets returns the first AO of every shell followed by NAO.
	ShellOffsets() []int
	// ERI returns (pq|rs).
	ERI(p, q, r, s int) float64
}

// IncoreAO serves AO integrals from an 8-fold packed array in memory.
type IncoreAO struct {
	nao    int
	shells []int
	eri    []float64
}

// NewIncoreAO wraps the packed integrals eri8 of nao orbitals.
// A nil shells makes every AO its own shell.
func NewIncoreAO(nao int, eri8 []float64, shells []int) (*IncoreAO, error) {
	if n := Size8(nao); len(eri8) != n {
		return nil, errors.Errorf("eri length %d, expected %d for nao %d", len(eri8), n, nao)
	}
	if shells == nil {
		shells = make([]int, nao+1)
		for i := range shells {
			shells[i] = i
		}
	}
	if len(shells) < 2 || shells[0] != 0 || shells[len(shells)-1] != nao {
		return nil, errors.Errorf("shell offsets %v, nao %d", shells, nao)
	}
	for i := 1; i < len(shells); i++ {
		if shells[i] <= shells[i-1] {
			return nil, errors.Errorf("shell offsets %v not increasing", shells)
		}
	}
	return &IncoreAO{nao: nao, shells: shells, eri: eri8}, nil
}

func (ao *IncoreAO) NAO() int                   { return ao.nao }
func (ao *IncoreAO) ShellOffsets() []int        { return ao.shells }
func (ao *IncoreAO) ERI(p, q, r, s int) float64 { return ao.eri[Index8(p, q, r, s)] }

// ShellRange is the group of shells [Sh0, Sh1) spanning AOs [AO0, AO1).
type ShellRange struct {
	Sh0, Sh1 int
	AO0, AO1 int
}

// BalancePartition groups consecutive shells into ranges of at most blksize
// AOs. A shell larger than blksize forms a range of its own.
func BalancePartition(shells []int, blksize int) []ShellRange {
	ranges := make([]ShellRange, 0)
	nsh := len(shells) - 1
	for s0 := 0; s0 < nsh; {
		s1 := s0 + 1
		for s1 < nsh && shells[s1+1]-shells[s0] <= blksize {
			s1++
		}
		ranges = append(ranges, ShellRange{Sh0: s0, Sh1: s1, AO0: shells[s0], AO1: shells[s1]})
		s0 = s1
	}
	return ranges
}

// Schwarz returns Q[p,q] = sqrt(|(pq|pq)|), so that |(pq|rs)| <= Q[p,q] Q[r,s].
func Schwarz(ao AOIntegrals) *tensor.Dense {
	n := ao.NAO()
	q := tensor.Zeros(n, n)
	for p := range n {
		for r := 0; r <= p; r++ {
			v := math.Sqrt(math.Abs(ao.ERI(p, r, p, r)))
			q.Set(v, p, r)
			q.Set(v, r, p)
		}
	}
	return q
}

// LadderBlock returns out[c,d,a,b] = (ca|db) for c in [c0, c1) and a in
// [a0, a1), with d and b running over all AOs.
func LadderBlock(ao AOIntegrals, c0, c1, a0, a1 int) *tensor.Dense {
	n := ao.NAO()
	out := tensor.Zeros(c1-c0, n, a1-a0, n)
	data := out.Data()
	var k int
	for c := c0; c < c1; c++ {
		for d := range n {
			for a := a0; a < a1; a++ {
				for b := range n {
					data[k] = ao.ERI(c, a, d, b)
					k++
				}
			}
		}
	}
	return out
}

// Reference is a closed shell mean field solution.
type Reference struct {
	// MoCoeff is the nao x nmo orbital coefficient matrix.
	MoCoeff  *tensor.Dense
	MoEnergy []float64
	MoOcc    []float64
	ENuc     float64
	EHF      float64
	// HCore is the optional core Hamiltonian in the AO basis.
	// When present the Fock matrix is rebuilt from the reference density
	// instead of being taken from MoEnergy.
	HCore *tensor.Dense
}

func (ref Reference) check() error {
	shape := ref.MoCoeff.Shape()
	if len(shape) != 2 {
		return errors.Errorf("mo_coeff shape %v", shape)
	}
	nmo := shape[1]
	if len(ref.MoEnergy) != nmo || len(ref.MoOcc) != nmo {
		return errors.Errorf("nmo %d, mo_energy %d, mo_occ %d", nmo, len(ref.MoEnergy), len(ref.MoOcc))
	}
	for i, occ := range ref.MoOcc {
		if occ != 0 && occ != 2 {
			return errors.Errorf("orbital %d has occupation %f, not closed shell", i, occ)
		}
	}
	return nil
}

// FromAO transforms the AO integrals to the active molecular orbitals of ref.
// With direct the vvvv block is left to an OnTheFly source.
func FromAO(ref Reference, ao AOIntegrals, frozen Frozen, direct bool) (*ERIs, error) {
	if err := ref.check(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	nao, nmoAll := ref.MoCoeff.Dim(0), ref.MoCoeff.Dim(1)
	if nao != ao.NAO() {
		return nil, errors.Errorf("mo_coeff has %d AOs, integrals %d", nao, ao.NAO())
	}
	mask, err := frozen.Mask(nmoAll)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	nocc := NumOcc(ref.MoOcc, mask)
	active := make([]int, 0, nmoAll)
	for i, ok := range mask {
		if ok {
			active = append(active, i)
		}
	}
	nmo := len(active)
	if nocc == 0 || nocc == nmo {
		return nil, errors.Wrap(ErrBadFrozen, fmt.Sprintf("%d active occupied of %d active", nocc, nmo))
	}
	// Occupied orbitals must precede virtual ones among the active orbitals.
	for k, i := range active {
		if (k < nocc) != (ref.MoOcc[i] > 0) {
			return nil, errors.Errorf("active orbitals %v are not ordered occupied first", active)
		}
	}

	c := tensor.Zeros(nao, nmo)
	for k, i := range active {
		for mu := range nao {
			c.Set(ref.MoCoeff.At(mu, i), mu, k)
		}
	}

	g := tensor.Zeros(nao, nao, nao, nao)
	gd := g.Data()
	for p := range nao {
		for q := range nao {
			for r := range nao {
				for s := range nao {
					gd[((p*nao+q)*nao+r)*nao+s] = ao.ERI(p, q, r, s)
				}
			}
		}
	}

	var fock *tensor.Dense
	if ref.HCore != nil {
		fock = fockFromDensity(ref, g, c)
	} else {
		fock = tensor.Zeros(nmo, nmo)
		for k, i := range active {
			fock.Set(ref.MoEnergy[i], k, k)
		}
	}

	mo := tensor.Einsum("pqrs,pi->iqrs", g, c)
	mo = tensor.Einsum("iqrs,qj->ijrs", mo, c)
	mo = tensor.Einsum("ijrs,rk->ijks", mo, c)
	mo = tensor.Einsum("ijks,sl->ijkl", mo, c)
	md := mo.Data()
	get := func(p, q, r, s int) float64 { return md[((p*nmo+q)*nmo+r)*nmo+s] }

	e := fill(fock, nocc, get)
	e.EHF = ref.EHF
	e.Frozen = frozen
	if direct {
		e.Source = &OnTheFly{MoCoeff: c, AO: ao}
	} else {
		e.Source = &Precomputed{vvvv: slabs{t: buildVvvv(nocc, nmo-nocc, get)}}
	}
	return e, nil
}

// fockFromDensity returns C^T (h + J - K/2) C with the density of all
// occupied orbitals, frozen ones included.
func fockFromDensity(ref Reference, g, c *tensor.Dense) *tensor.Dense {
	nao, nmoAll := ref.MoCoeff.Dim(0), ref.MoCoeff.Dim(1)
	dm := tensor.Zeros(nao, nao)
	for i := range nmoAll {
		occ := ref.MoOcc[i]
		if occ == 0 {
			continue
		}
		for mu := range nao {
			for nu := range nao {
				dm.Data()[mu*nao+nu] += occ * ref.MoCoeff.At(mu, i) * ref.MoCoeff.At(nu, i)
			}
		}
	}
	vj := tensor.Einsum("pqrs,rs->pq", g, dm)
	vk := tensor.Einsum("prqs,rs->pq", g, dm)
	f := ref.HCore.Copy().Add(1, vj).Add(-0.5, vk)
	f = tensor.Einsum("pq,qj->pj", f, c)
	return tensor.Einsum("pi,pj->ij", c, f)
}
