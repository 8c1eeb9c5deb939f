package ccsd_test

import (
	"fmt"
	"io"
	"log"
	"log/slog"

	"github.com/fumin/ccsd"
	"github.com/fumin/ccsd/eris"
	"github.com/fumin/ccsd/tensor"
)

func Example() {
	// Hydrogen molecule in the minimal basis, orbital energies and
	// integrals in atomic units.
	fock := tensor.New([]float64{-0.5782, 0, 0, 0.6703}, 2, 2)
	eri := make([]float64, eris.Size8(2))
	eri[eris.Index8(0, 0, 0, 0)] = 0.6746
	eri[eris.Index8(1, 1, 1, 1)] = 0.6975
	eri[eris.Index8(0, 0, 1, 1)] = 0.6636
	eri[eris.Index8(0, 1, 0, 1)] = 0.1813
	e, err := eris.FromMO(fock, eri, 1)
	if err != nil {
		log.Fatalf("%+v", err)
	}

	cfg := ccsd.NewConfig()
	cfg.ConvTol = 1e-10
	s, err := ccsd.NewSolver(cfg, ccsd.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		log.Fatalf("%+v", err)
	}
	res, err := s.Kernel(e, nil)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	fmt.Printf("converged: %v\n", res.Converged)
	fmt.Printf("MP2 correlation energy: %.6f\n", res.EMP2)
	fmt.Printf("CCSD correlation energy: %.6f\n", res.ECorr)
	// Output:
	// converged: true
	// MP2 correlation energy: -0.013164
	// CCSD correlation energy: -0.020571
}
