// Package ccsd solves the restricted closed shell coupled cluster singles and
// doubles equations.
//
// The amplitude equations are iterated with a blocked update that keeps the
// large intermediates in a scratch store and streams the ovvv and vvvv
// integrals slab by slab, optionally accelerated by DIIS.
//
// References:
//   - G. D. Purvis and R. J. Bartlett, A full coupled-cluster singles and doubles model, J. Chem. Phys. 76, 1910 (1982)
//   - G. E. Scuseria, C. L. Janssen, H. F. Schaefer, An efficient reformulation of the closed-shell CCSD equations, J. Chem. Phys. 89, 7382 (1988)
//   - Q. Sun et al., PySCF: the Python-based simulations of chemistry framework, WIREs Comput Mol Sci 2018
package ccsd

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/fumin/ccsd/checkpoint"
	"github.com/fumin/ccsd/diis"
	"github.com/fumin/ccsd/eris"
	"github.com/fumin/ccsd/mat"
	"github.com/fumin/ccsd/mat/util"
	"github.com/fumin/ccsd/tensor"
)

var (
	// ErrInsufficientMemory is returned when even the smallest blocks exceed
	// the memory budget and overcommitting is not allowed.
	ErrInsufficientMemory = errors.New("insufficient memory")
	// ErrUnsupported is returned for inputs outside what the solver handles,
	// such as amplitudes or vectors of the wrong size.
	ErrUnsupported = errors.New("unsupported configuration")
)

// State is the stage of a run.
type State int

const (
	Initializing State = iota
	Iterating
	Converged
	MaxCyclesExceeded
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Iterating:
		return "iterating"
	case Converged:
		return "converged"
	case MaxCyclesExceeded:
		return "max cycles exceeded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Cycle records one iteration.
type Cycle struct {
	ECorr  float64
	DeltaE float64
	Normt  float64
}

// Result is the outcome of Kernel.
// A run that hits the cycle cap is not an error; it has Converged false and
// carries the last amplitudes.
type Result struct {
	RunID     string
	State     State
	Converged bool
	ECorr     float64
	EMP2      float64
	// ETot is EHF + ECorr, or zero when the reference energy is unknown.
	ETot    float64
	T1      *tensor.Dense
	T2      *tensor.Dense
	Cycles  int
	History []Cycle
}

// Solver iterates the CCSD equations.
type Solver struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	scratch  mat.Scratch
	chk      *checkpoint.Store
	throttle *util.SkipThrottler
}

// Option customizes a Solver.
type Option func(*Solver)

// WithLogger sets the logger, slog.Default by default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Solver) { s.logger = l }
}

// WithMetrics reports progress to m.
func WithMetrics(m *Metrics) Option {
	return func(s *Solver) { s.metrics = m }
}

// WithScratch sets where each update keeps its intermediates.
// By default they stay in memory when they fit in the budget and go to a
// sqlite file in Config.ScratchDir otherwise.
func WithScratch(sc mat.Scratch) Option {
	return func(s *Solver) { s.scratch = sc }
}

// WithCheckpoint saves the amplitudes to store after every cycle.
func WithCheckpoint(store *checkpoint.Store) Option {
	return func(s *Solver) { s.chk = store }
}

// NewSolver returns a solver with configuration cfg.
func NewSolver(cfg Config, opts ...Option) (*Solver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	s := &Solver{cfg: cfg, logger: slog.Default(), throttle: util.NewSkipThrottler(time.Second)}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Config returns the configuration of s.
func (s *Solver) Config() Config { return s.cfg }

// Kernel solves the amplitude equations.
// A nil guess starts from MP2 amplitudes, and a guess with only T1 takes T2
// from MP2.
func (s *Solver) Kernel(e *eris.ERIs, guess *Amplitudes) (Result, error) {
	res := Result{RunID: uuid.NewString(), State: Initializing}
	s.dumpFlags(e, res.RunID)
	if err := s.checkSource(e); err != nil {
		return res, errors.Wrap(err, "")
	}

	emp2, t1, t2, err := s.InitAmps(e)
	if err != nil {
		return res, errors.Wrap(err, "")
	}
	res.EMP2 = emp2
	if guess != nil {
		if guess.T1 != nil {
			t1 = guess.T1.Copy()
		}
		if guess.T2 != nil {
			t2 = guess.T2.Copy()
		}
		if err := checkAmplitudes(t1, t2, e.Nocc, e.Nvir); err != nil {
			return res, errors.Wrap(err, "guess")
		}
	}

	var adiis *diis.DIIS
	if s.cfg.DIIS {
		adiis = diis.New(s.cfg.DIISSpace)
	}
	nmo := e.Nmo()

	res.State = Iterating
	var eold, ecc float64
	for istep := range s.cfg.MaxCycle {
		start := time.Now()
		t1new, t2new, err := s.Update(t1, t2, e)
		if err != nil {
			return res, errors.Wrap(err, fmt.Sprintf("cycle %d", istep+1))
		}
		vec := AmplitudesToVector(t1new, t2new)
		normt := floats.Distance(vec, AmplitudesToVector(t1, t2), 2)
		t1, t2 = t1new, t2new

		if adiis != nil && istep > s.cfg.DIISStartCycle && math.Abs(ecc-eold) < s.cfg.DIISStartEnergyDiff {
			mixed, err := adiis.Update(vec)
			switch {
			case errors.Is(err, diis.ErrIllConditioned):
				s.logger.Warn("DIIS extrapolation failed, keeping the plain update", "cycle", istep+1, "err", err)
				s.metrics.diisFallback()
			case err != nil:
				return res, errors.Wrap(err, "")
			default:
				t1, t2, err = VectorToAmplitudes(mixed, nmo, e.Nocc)
				if err != nil {
					return res, errors.Wrap(err, "")
				}
				s.logger.Debug("DIIS", "cycle", istep+1, "space", adiis.Len())
			}
		}

		eold = ecc
		ecc, err = s.Energy(t1, t2, e)
		if err != nil {
			return res, errors.Wrap(err, "")
		}
		de := ecc - eold
		elapsed := time.Since(start)
		s.logger.Info("cycle", "cycle", istep+1, "e_corr", ecc, "de", de, "normt", normt, "elapsed", elapsed)
		s.metrics.observe(normt, de, ecc, elapsed.Seconds())
		res.History = append(res.History, Cycle{ECorr: ecc, DeltaE: de, Normt: normt})
		res.Cycles = istep + 1

		converged := math.Abs(de) < s.cfg.ConvTol && normt < s.cfg.ConvTolNormt
		if err := s.dumpChk(res.RunID, ecc, converged, e, t1, t2); err != nil {
			return res, errors.Wrap(err, "")
		}
		if converged {
			res.State = Converged
			break
		}
	}
	if res.State != Converged {
		res.State = MaxCyclesExceeded
	}

	res.Converged = res.State == Converged
	res.ECorr = ecc
	res.T1, res.T2 = t1, t2
	if e.EHF != 0 {
		res.ETot = e.EHF + ecc
	}
	if res.Converged {
		s.logger.Info("CCSD converged", "run_id", res.RunID, "cycles", res.Cycles, "e_corr", ecc, "e_tot", res.ETot)
	} else {
		s.logger.Warn("CCSD not converged", "run_id", res.RunID, "cycles", res.Cycles, "e_corr", ecc)
	}
	return res, nil
}

// checkSource rejects integrals whose vvvv mode disagrees with Config.Direct.
func (s *Solver) checkSource(e *eris.ERIs) error {
	_, direct := e.Source.(*eris.OnTheFly)
	if direct != s.cfg.Direct {
		return errors.Wrap(ErrUnsupported, fmt.Sprintf("direct %t, integrals %s", s.cfg.Direct, e))
	}
	return nil
}

func (s *Solver) dumpFlags(e *eris.ERIs, runID string) {
	c := s.cfg
	s.logger.Info("CCSD flags",
		"run_id", runID,
		"nocc", e.Nocc,
		"nmo", e.Nmo(),
		"frozen", c.Frozen.String(),
		"max_cycle", c.MaxCycle,
		"direct", c.Direct,
		"conv_tol", c.ConvTol,
		"conv_tol_normt", c.ConvTolNormt,
		"diis", c.DIIS,
		"diis_space", c.DIISSpace,
		"diis_start_cycle", c.DIISStartCycle,
		"diis_start_energy_diff", c.DIISStartEnergyDiff,
		"max_memory_mb", c.MaxMemory,
		"eris", e.String(),
	)
}

func (s *Solver) dumpChk(runID string, ecc float64, converged bool, e *eris.ERIs, t1, t2 *tensor.Dense) error {
	if s.chk == nil {
		return nil
	}
	nmo := e.Nmo()
	r := checkpoint.Record{
		RunID:     runID,
		ECorr:     ecc,
		Converged: converged,
		Nocc:      e.Nocc,
		Nmo:       nmo,
		Frozen:    e.Frozen,
		MoOcc:     make([]float64, nmo),
		T1:        checkpoint.NewArray(t1),
		T2:        checkpoint.NewArray(t2),
	}
	for i := range e.Nocc {
		r.MoOcc[i] = 2
	}
	if src, ok := e.Source.(*eris.OnTheFly); ok {
		r.MoCoeff = checkpoint.NewArray(src.MoCoeff)
	}
	if _, err := s.chk.Save(r); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// debugBlock logs the time spent on a block, at most once per second.
func (s *Solver) debugBlock(what string, p0, p1 int, start time.Time) {
	if !s.logger.Enabled(context.Background(), slog.LevelDebug) || !s.throttle.Ok() {
		return
	}
	s.logger.Debug(what, "p0", p0, "p1", p1, "elapsed", time.Since(start), "skipped", s.throttle.Skipped())
}
