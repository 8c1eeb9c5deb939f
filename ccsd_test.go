package ccsd

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"slices"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/fumin/ccsd/checkpoint"
	"github.com/fumin/ccsd/eris"
	"github.com/fumin/ccsd/mat"
	"github.com/fumin/ccsd/tensor"
)

const (
	h2ECorr = -0.02057092935118776
	h2EMP2  = -0.013163672406888264
	h2EHF   = -1.831
)

func TestH2(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "diis", cfg: tightConfig()},
		{name: "nodiis", cfg: tightConfig().WithDIIS(false)},
		{name: "blocked", cfg: tightConfig().WithMaxMemory(1e-3).WithBlockFloor(1)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			s, err := NewSolver(test.cfg, WithLogger(quietLogger()))
			if err != nil {
				t.Fatalf("%+v", err)
			}
			res, err := s.Kernel(h2(t), nil)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if !res.Converged || res.State != Converged {
				t.Fatalf("%+v", res.History)
			}
			if math.Abs(res.ECorr-h2ECorr) > 1e-9 {
				t.Fatalf("%.15f, expected %.15f", res.ECorr, h2ECorr)
			}
			if math.Abs(res.EMP2-h2EMP2) > 1e-12 {
				t.Fatalf("%.15f, expected %.15f", res.EMP2, h2EMP2)
			}
			if math.Abs(res.ETot-(h2EHF+h2ECorr)) > 1e-9 {
				t.Fatalf("%.15f", res.ETot)
			}
			if res.Cycles != len(res.History) || res.RunID == "" {
				t.Fatalf("%d %d %q", res.Cycles, len(res.History), res.RunID)
			}
		})
	}
}

func TestKernelDIIS(t *testing.T) {
	t.Parallel()
	e := randomMO(t, 2, 4, 1)
	var energies []float64
	var cycles []int
	for _, on := range []bool{true, false} {
		s, err := NewSolver(tightConfig().WithDIIS(on).WithMaxCycle(200), WithLogger(quietLogger()))
		if err != nil {
			t.Fatalf("%+v", err)
		}
		res, err := s.Kernel(e, nil)
		if err != nil {
			t.Fatalf("%+v", err)
		}
		if !res.Converged {
			t.Fatalf("diis %v: %+v", on, res.History)
		}
		t2 := res.T2
		if d := tensor.MaxAbsDiff(t2, t2.Transpose(1, 0, 3, 2)); d != 0 {
			t.Fatalf("diis %v: t2 asymmetry %g", on, d)
		}
		energies = append(energies, res.ECorr)
		cycles = append(cycles, res.Cycles)
	}
	if math.Abs(energies[0]-energies[1]) > 1e-8 {
		t.Fatalf("%v", energies)
	}
	if cycles[0] >= cycles[1] {
		t.Fatalf("DIIS took %d cycles, plain iteration %d", cycles[0], cycles[1])
	}
}

func TestH2DefaultTolerance(t *testing.T) {
	t.Parallel()
	for _, on := range []bool{true, false} {
		cfg := NewConfig().WithDIIS(on)
		s, err := NewSolver(cfg, WithLogger(quietLogger()))
		if err != nil {
			t.Fatalf("%+v", err)
		}
		res, err := s.Kernel(h2(t), nil)
		if err != nil {
			t.Fatalf("%+v", err)
		}
		if !res.Converged {
			t.Fatalf("diis %v: %+v", on, res.History)
		}
		if d := math.Abs(res.ECorr - h2ECorr); d > cfg.ConvTol {
			t.Fatalf("diis %v: %.12f off by %g", on, res.ECorr, d)
		}
	}
}

func TestKernelMaxCycles(t *testing.T) {
	t.Parallel()
	s, err := NewSolver(NewConfig().WithMaxCycle(1), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	res, err := s.Kernel(randomMO(t, 2, 3, 2), nil)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if res.Converged || res.State != MaxCyclesExceeded || res.Cycles != 1 {
		t.Fatalf("%v %v %d", res.Converged, res.State, res.Cycles)
	}
	if res.T1 == nil || res.T2 == nil {
		t.Fatalf("no amplitudes")
	}
}

func TestKernelGuess(t *testing.T) {
	t.Parallel()
	e := randomMO(t, 2, 3, 3)
	s, err := NewSolver(tightConfig(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	res, err := s.Kernel(e, nil)
	if err != nil {
		t.Fatalf("%+v", err)
	}

	restart, err := s.Kernel(e, &Amplitudes{T1: res.T1, T2: res.T2})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if !restart.Converged || restart.Cycles > 4 {
		t.Fatalf("%+v", restart.History)
	}
	if math.Abs(restart.ECorr-res.ECorr) > 1e-9 {
		t.Fatalf("%v %v", restart.ECorr, res.ECorr)
	}

	bad := &Amplitudes{T1: tensor.Zeros(3, 2)}
	if _, err := s.Kernel(e, bad); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("%+v", err)
	}
}

func TestKernelCheckpoint(t *testing.T) {
	t.Parallel()
	store, err := checkpoint.OpenInMemory()
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer store.Close()

	e := randomMO(t, 2, 3, 4)
	s, err := NewSolver(tightConfig(), WithLogger(quietLogger()), WithCheckpoint(store))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	res, err := s.Kernel(e, nil)
	if err != nil {
		t.Fatalf("%+v", err)
	}

	r, err := store.Latest()
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if r.RunID != res.RunID || r.ECorr != res.ECorr || !r.Converged || r.Nocc != 2 || r.Nmo != 5 {
		t.Fatalf("%+v", r)
	}
	t1, t2, err := r.Amplitudes()
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if !slices.Equal(t1.Data(), res.T1.Data()) || !slices.Equal(t2.Data(), res.T2.Data()) {
		t.Fatalf("checkpointed amplitudes differ")
	}
	if expected := []float64{2, 2, 0, 0, 0}; !slices.Equal(r.MoOcc, expected) {
		t.Fatalf("%v, expected %v", r.MoOcc, expected)
	}
	if r.MoCoeff != nil {
		t.Fatalf("%+v", r.MoCoeff)
	}
}

func TestKernelCheckpointDirect(t *testing.T) {
	t.Parallel()
	store, err := checkpoint.OpenInMemory()
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer store.Close()

	rng := rand.New(rand.NewPCG(12, 12))
	ref, ao := randomAO(t, rng, []int{0, 2, 6}, false)
	e, err := eris.FromAO(ref, ao, eris.FrozenCount(1), true)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	// The solver is configured without any frozen orbitals; the record
	// follows the integrals.
	s, err := NewSolver(NewConfig().WithDirect(true).WithMaxCycle(2), WithLogger(quietLogger()), WithCheckpoint(store))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if _, err := s.Kernel(e, nil); err != nil {
		t.Fatalf("%+v", err)
	}

	r, err := store.Latest()
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if r.Nocc != 2 || r.Nmo != 5 || r.Frozen.String() != eris.FrozenCount(1).String() {
		t.Fatalf("%+v", r)
	}
	if expected := []float64{2, 2, 0, 0, 0}; !slices.Equal(r.MoOcc, expected) {
		t.Fatalf("%v, expected %v", r.MoOcc, expected)
	}
	if r.MoCoeff == nil {
		t.Fatalf("no mo_coeff")
	}
	c, err := r.MoCoeff.Dense()
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if expected := e.Source.(*eris.OnTheFly).MoCoeff; !slices.Equal(c.Data(), expected.Data()) || !slices.Equal(c.Shape(), expected.Shape()) {
		t.Fatalf("%v, expected %v", c.Shape(), expected.Shape())
	}
}

func TestUpdateSymmetry(t *testing.T) {
	t.Parallel()
	e := randomMO(t, 3, 4, 5)
	rng := rand.New(rand.NewPCG(5, 5))
	t1, t2 := randAmplitudes(rng, 3, 4)
	t1c, t2c := t1.Copy(), t2.Copy()

	s, err := NewSolver(NewConfig(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	t1new, t2new, err := s.Update(t1, t2, e)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if d := tensor.MaxAbsDiff(t2new, t2new.Transpose(1, 0, 3, 2)); d != 0 {
		t.Fatalf("t2 asymmetry %g", d)
	}
	if !slices.Equal(t1.Data(), t1c.Data()) || !slices.Equal(t2.Data(), t2c.Data()) {
		t.Fatalf("inputs modified")
	}
	if t1new.Norm() == 0 || t2new.Norm() == 0 {
		t.Fatalf("%v %v", t1new.Norm(), t2new.Norm())
	}
}

// TestUpdateBlocking checks that the update does not depend on block sizes
// or on where the intermediates are kept.
func TestUpdateBlocking(t *testing.T) {
	t.Parallel()
	nocc, nvir := 2, 5
	rng := rand.New(rand.NewPCG(6, 6))
	t1, t2 := randAmplitudes(rng, nocc, nvir)

	s, err := NewSolver(NewConfig(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	t1ref, t2ref, err := s.Update(t1, t2, randomMO(t, nocc, nvir, 6))
	if err != nil {
		t.Fatalf("%+v", err)
	}

	dir, err := os.MkdirTemp("", "")
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer os.RemoveAll(dir)
	tests := []struct {
		name    string
		cfg     Config
		scratch mat.Scratch
		outcore bool
	}{
		{name: "small", cfg: NewConfig().WithMaxMemory(1e-3).WithBlockFloor(1)},
		{name: "floor2", cfg: NewConfig().WithMaxMemory(1e-3).WithBlockFloor(2)},
		{name: "disk", cfg: NewConfig().WithMaxMemory(1e-3).WithBlockFloor(1), scratch: mat.DiskScratch(dir), outcore: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			e := randomMO(t, nocc, nvir, 6)
			if test.outcore {
				store, err := mat.NewDiskStore(fmt.Sprintf("%s/eris-%s.db", dir, test.name))
				if err != nil {
					t.Fatalf("%+v", err)
				}
				defer store.Close()
				if err := e.Outcore(store); err != nil {
					t.Fatalf("%+v", err)
				}
			}
			opts := []Option{WithLogger(quietLogger())}
			if test.scratch != nil {
				opts = append(opts, WithScratch(test.scratch))
			}
			s, err := NewSolver(test.cfg, opts...)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			t1new, t2new, err := s.Update(t1, t2, e)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if d := tensor.MaxAbsDiff(t1new, t1ref); d > 1e-10 {
				t.Fatalf("t1 %g", d)
			}
			if d := tensor.MaxAbsDiff(t2new, t2ref); d > 1e-10 {
				t.Fatalf("t2 %g", d)
			}
		})
	}
}

func TestUpdateDirect(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		shells []int
		frozen eris.Frozen
	}{
		{name: "atoms"},
		{name: "shells", shells: []int{0, 1, 3, 6}},
		{name: "frozen", shells: []int{0, 2, 6}, frozen: eris.FrozenCount(1)},
	}
	for i, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			rng := rand.New(rand.NewPCG(uint64(i), 8))
			ref, ao := randomAO(t, rng, test.shells, false)
			mo, err := eris.FromAO(ref, ao, test.frozen, false)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			direct, err := eris.FromAO(ref, ao, test.frozen, true)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			t1, t2 := randAmplitudes(rng, mo.Nocc, mo.Nvir)

			s, err := NewSolver(NewConfig(), WithLogger(quietLogger()))
			if err != nil {
				t.Fatalf("%+v", err)
			}
			t1ref, t2ref, err := s.Update(t1, t2, mo)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			cfg := NewConfig().WithDirect(true)
			cfg.DirectScreen = 0
			sd, err := NewSolver(cfg, WithLogger(quietLogger()))
			if err != nil {
				t.Fatalf("%+v", err)
			}
			t1new, t2new, err := sd.Update(t1, t2, direct)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if d := tensor.MaxAbsDiff(t1new, t1ref); d > 1e-10 {
				t.Fatalf("t1 %g", d)
			}
			if d := tensor.MaxAbsDiff(t2new, t2ref); d > 1e-10 {
				t.Fatalf("t2 %g", d)
			}
		})
	}
}

// TestUpdateDirectScreened runs the direct contraction on integrals that
// vanish between shells, so that the Schwarz screen drops whole blocks.
func TestUpdateDirectScreened(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(13, 13))
	ref, ao := randomAO(t, rng, []int{0, 2, 4, 6}, true)
	mo, err := eris.FromAO(ref, ao, eris.Frozen{}, false)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	direct, err := eris.FromAO(ref, ao, eris.Frozen{}, true)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	t1, t2 := randAmplitudes(rng, mo.Nocc, mo.Nvir)

	s, err := NewSolver(NewConfig(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	t1ref, t2ref, err := s.Update(t1, t2, mo)
	if err != nil {
		t.Fatalf("%+v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sd, err := NewSolver(NewConfig().WithDirect(true), WithLogger(logger))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	t1new, t2new, err := sd.Update(t1, t2, direct)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	// Three AO blocks of one shell each, and the three off diagonal pairs vanish.
	if !strings.Contains(buf.String(), `msg="direct vvvv screened" blocks=3`) {
		t.Fatalf("%s", buf.String())
	}
	if d := tensor.MaxAbsDiff(t1new, t1ref); d > 1e-10 {
		t.Fatalf("t1 %g", d)
	}
	if d := tensor.MaxAbsDiff(t2new, t2ref); d > 1e-10 {
		t.Fatalf("t2 %g", d)
	}
}

func TestDirectMismatch(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(14, 14))
	ref, ao := randomAO(t, rng, nil, false)
	direct, err := eris.FromAO(ref, ao, eris.Frozen{}, true)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	tests := []struct {
		name   string
		direct bool
		e      *eris.ERIs
	}{
		{name: "precomputed", direct: true, e: randomMO(t, 3, 3, 14)},
		{name: "onthefly", direct: false, e: direct},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			s, err := NewSolver(NewConfig().WithDirect(test.direct), WithLogger(quietLogger()))
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if _, err := s.Kernel(test.e, nil); !errors.Is(err, ErrUnsupported) {
				t.Fatalf("%+v", err)
			}
			t1, t2 := randAmplitudes(rand.New(rand.NewPCG(15, 15)), 3, 3)
			if _, _, err := s.Update(t1, t2, test.e); !errors.Is(err, ErrUnsupported) {
				t.Fatalf("%+v", err)
			}
		})
	}
}

func TestEnergy(t *testing.T) {
	t.Parallel()
	e := randomMO(t, 3, 5, 9)
	rng := rand.New(rand.NewPCG(9, 9))
	t1, t2 := randAmplitudes(rng, 3, 5)
	t1c, t2c := t1.Copy(), t2.Copy()

	energy := Energy(t1, t2, e, 5)
	if again := Energy(t1, t2, e, 5); again != energy {
		t.Fatalf("%v %v", again, energy)
	}
	for _, blk := range []int{1, 2, 4} {
		if d := math.Abs(Energy(t1, t2, e, blk) - energy); d > 1e-12 {
			t.Fatalf("blksize %d: %g", blk, d)
		}
	}
	if !slices.Equal(t1.Data(), t1c.Data()) || !slices.Equal(t2.Data(), t2c.Data()) {
		t.Fatalf("inputs modified")
	}

	// Only the Fock term survives without doubles.
	zero := tensor.Zeros(3, 3, 5, 5)
	single := tensor.Zeros(3, 5)
	single.Set(1, 1, 2)
	expected := 2 * e.FockOV().At(1, 2)
	expected += 2*e.Ovvo.At(1, 2, 2, 1) - e.Ovvo.At(1, 2, 2, 1)
	if got := Energy(single, zero, e, 2); math.Abs(got-expected) > 1e-14 {
		t.Fatalf("%v, expected %v", got, expected)
	}
}

func TestInsufficientMemory(t *testing.T) {
	t.Parallel()
	cfg := NewConfig().WithMaxMemory(1e-4)
	cfg.AllowOvercommit = false
	s, err := NewSolver(cfg, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	e := randomMO(t, 2, 4, 10)
	if _, err := s.Kernel(e, nil); !errors.Is(err, ErrInsufficientMemory) {
		t.Fatalf("%+v", err)
	}
	rng := rand.New(rand.NewPCG(10, 10))
	t1, t2 := randAmplitudes(rng, 2, 4)
	if _, _, err := s.Update(t1, t2, e); !errors.Is(err, ErrInsufficientMemory) {
		t.Fatalf("%+v", err)
	}
}

func TestUpdateShapes(t *testing.T) {
	t.Parallel()
	s, err := NewSolver(NewConfig(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	e := randomMO(t, 2, 3, 11)
	if _, _, err := s.Update(tensor.Zeros(2, 3), tensor.Zeros(2, 2, 3, 2), e); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("%+v", err)
	}
}

func tightConfig() Config {
	cfg := NewConfig()
	cfg.ConvTol = 1e-12
	cfg.ConvTolNormt = 1e-10
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// h2 returns hydrogen in a minimal basis at the equilibrium bond length,
// with integrals from Szabo and Ostlund.
func h2(t *testing.T) *eris.ERIs {
	const (
		h11 = -1.2528
		h22 = -0.4756
		j11 = 0.6746
		j22 = 0.6975
		j12 = 0.6636
		k12 = 0.1813
	)
	fock := tensor.Zeros(2, 2)
	fock.Set(h11+j11, 0, 0)
	fock.Set(h22+2*j12-k12, 1, 1)
	eri := make([]float64, eris.Size8(2))
	eri[eris.Index8(0, 0, 0, 0)] = j11
	eri[eris.Index8(1, 1, 1, 1)] = j22
	eri[eris.Index8(0, 0, 1, 1)] = j12
	eri[eris.Index8(0, 1, 0, 1)] = k12
	e, err := eris.FromMO(fock, eri, 1)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	e.EHF = 2*h11 + j11
	return e
}

// randomMO returns a weakly correlated system with well separated occupied
// and virtual orbitals.
func randomMO(t *testing.T, nocc, nvir int, seed uint64) *eris.ERIs {
	rng := rand.New(rand.NewPCG(seed, 1))
	nmo := nocc + nvir
	fock := tensor.Zeros(nmo, nmo)
	for p := range nmo {
		d := -1 + 0.1*float64(p)
		if p >= nocc {
			d = 0.5 + 0.2*float64(p-nocc)
		}
		fock.Set(d, p, p)
		for q := range p {
			v := 0.02 * (rng.Float64() - 0.5)
			fock.Set(v, p, q)
			fock.Set(v, q, p)
		}
	}
	eri := randomERI8(rng, nmo)
	e, err := eris.FromMO(fock, eri, nocc)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	return e
}

// randomAO returns a six orbital reference with three occupied orbitals.
// With sparse set, (pq|rs) vanishes unless p, q share a shell and r, s share
// a shell.
func randomAO(t *testing.T, rng *rand.Rand, shells []int, sparse bool) (eris.Reference, *eris.IncoreAO) {
	const nao = 6
	eri := randomERI8(rng, nao)
	if sparse {
		shellOf := make([]int, nao)
		for sh := 1; sh < len(shells); sh++ {
			for p := shells[sh-1]; p < shells[sh]; p++ {
				shellOf[p] = sh
			}
		}
		for p := range nao {
			for q := range nao {
				for r := range nao {
					for s := range nao {
						if shellOf[p] != shellOf[q] || shellOf[r] != shellOf[s] {
							eri[eris.Index8(p, q, r, s)] = 0
						}
					}
				}
			}
		}
	}
	ao, err := eris.NewIncoreAO(nao, eri, shells)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	ref := eris.Reference{
		MoCoeff:  tensor.Zeros(nao, nao),
		MoEnergy: []float64{-1.5, -1.1, -0.9, 0.3, 0.5, 0.8},
		MoOcc:    []float64{2, 2, 2, 0, 0, 0},
	}
	for k := range ref.MoCoeff.Data() {
		ref.MoCoeff.Data()[k] = 0.4 * rng.NormFloat64()
	}
	return ref, ao
}

func randomERI8(rng *rand.Rand, n int) []float64 {
	eri := make([]float64, eris.Size8(n))
	for k := range eri {
		eri[k] = 0.1 * (rng.Float64() - 0.5)
	}
	for p := range n {
		for q := 0; q <= p; q++ {
			eri[eris.Index8(p, p, q, q)] = 0.3 + 0.1*rng.Float64()
		}
	}
	return eri
}

// randAmplitudes returns small amplitudes with t2[i,j,a,b] == t2[j,i,b,a].
func randAmplitudes(rng *rand.Rand, nocc, nvir int) (*tensor.Dense, *tensor.Dense) {
	t1 := tensor.Zeros(nocc, nvir)
	for k := range t1.Data() {
		t1.Data()[k] = 0.05 * rng.NormFloat64()
	}
	t2 := tensor.Zeros(nocc, nocc, nvir, nvir)
	for i := range nocc {
		for j := range nocc {
			for a := range nvir {
				for b := range nvir {
					if i*nvir+a < j*nvir+b {
						continue
					}
					v := 0.05 * rng.NormFloat64()
					t2.Set(v, i, j, a, b)
					t2.Set(v, j, i, b, a)
				}
			}
		}
	}
	return t1, t2
}
