// Command run solves the CCSD equations for the integrals of an FCIDUMP file
// and prints the energies as JSON.
package main

import (
	"encoding/json"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fumin/ccsd"
	"github.com/fumin/ccsd/checkpoint"
	"github.com/fumin/ccsd/eris"
)

type options struct {
	fcidump  string
	config   string
	frozen   int
	direct   bool
	maxCycle int
	chkDir   string
	restart  bool
	metrics  string
	verbose  bool
}

type output struct {
	RunID     string  `json:"run_id"`
	State     string  `json:"state"`
	Converged bool    `json:"converged"`
	Cycles    int     `json:"cycles"`
	ECorr     float64 `json:"e_corr"`
	EMP2      float64 `json:"e_mp2"`
	EHF       float64 `json:"e_hf"`
	ETot      float64 `json:"e_tot"`
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:           "run --fcidump FILE",
		Short:         "Solve the closed shell CCSD equations for an FCIDUMP file",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, o, stdout, stderr)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.fcidump, "fcidump", "", "FCIDUMP file with the molecular orbital integrals")
	f.StringVar(&o.config, "config", "", "yaml configuration file")
	f.IntVar(&o.frozen, "frozen", 0, "number of frozen core orbitals, overrides the configuration")
	f.BoolVar(&o.direct, "direct", false, "contract the vvvv ladder over the FCIDUMP orbitals without forming it")
	f.IntVar(&o.maxCycle, "max-cycle", 0, "iteration cap, overrides the configuration")
	f.StringVar(&o.chkDir, "chk", "", "checkpoint directory")
	f.BoolVar(&o.restart, "restart", false, "start from the latest amplitudes in the checkpoint")
	f.StringVar(&o.metrics, "metrics", "", "write prometheus metrics to this file at exit")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")
	if err := cmd.MarkFlagRequired("fcidump"); err != nil {
		panic(err)
	}
	return cmd
}

func run(cmd *cobra.Command, o options, stdout, stderr io.Writer) error {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg := ccsd.NewConfig()
	if o.config != "" {
		var err error
		if cfg, err = ccsd.LoadConfig(o.config); err != nil {
			return errors.Wrap(err, "")
		}
	}
	if cmd.Flags().Changed("frozen") {
		cfg = cfg.WithFrozen(eris.FrozenCount(o.frozen))
	}
	if cmd.Flags().Changed("direct") {
		cfg = cfg.WithDirect(o.direct)
	}
	if cmd.Flags().Changed("max-cycle") {
		cfg = cfg.WithMaxCycle(o.maxCycle)
	}

	e, err := readERIs(o.fcidump, cfg)
	if err != nil {
		return errors.Wrap(err, "")
	}

	opts := []ccsd.Option{ccsd.WithLogger(logger)}
	reg := prometheus.NewRegistry()
	if o.metrics != "" {
		opts = append(opts, ccsd.WithMetrics(ccsd.NewMetrics(reg)))
	}
	var guess *ccsd.Amplitudes
	if o.chkDir != "" {
		store, err := checkpoint.Open(o.chkDir)
		if err != nil {
			return errors.Wrap(err, "")
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("close checkpoint", "err", err)
			}
		}()
		opts = append(opts, ccsd.WithCheckpoint(store))
		if o.restart {
			if guess, err = latestGuess(store, e, logger); err != nil {
				return errors.Wrap(err, "")
			}
		}
	}

	s, err := ccsd.NewSolver(cfg, opts...)
	if err != nil {
		return errors.Wrap(err, "")
	}
	res, err := s.Kernel(e, guess)
	if err != nil {
		return errors.Wrap(err, "")
	}

	if o.metrics != "" {
		if err := prometheus.WriteToTextfile(o.metrics, reg); err != nil {
			return errors.Wrap(err, "")
		}
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	out := output{
		RunID:     res.RunID,
		State:     res.State.String(),
		Converged: res.Converged,
		Cycles:    res.Cycles,
		ECorr:     res.ECorr,
		EMP2:      res.EMP2,
		EHF:       e.EHF,
		ETot:      res.ETot,
	}
	if err := enc.Encode(out); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func readERIs(path string, cfg ccsd.Config) (*eris.ERIs, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer f.Close()
	dump, err := eris.ReadFCIDUMP(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	if !cfg.Direct {
		e, err := dump.ERIs(cfg.Frozen)
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
		return e, nil
	}
	ref, ao, err := dump.Reference()
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	e, err := eris.FromAO(ref, ao, cfg.Frozen, true)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return e, nil
}

// latestGuess returns the amplitudes of the latest checkpoint, or nil if
// there is none or it belongs to a different system.
func latestGuess(store *checkpoint.Store, e *eris.ERIs, logger *slog.Logger) (*ccsd.Amplitudes, error) {
	r, err := store.Latest()
	if errors.Is(err, checkpoint.ErrNotFound) {
		logger.Info("no checkpoint to restart from")
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if r.Nocc != e.Nocc || r.Nmo != e.Nmo() {
		logger.Warn("checkpoint does not match the system", "run_id", r.RunID, "nocc", r.Nocc, "nmo", r.Nmo)
		return nil, nil
	}
	t1, t2, err := r.Amplitudes()
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	logger.Info("restarting", "run_id", r.RunID, "e_corr", r.ECorr)
	return &ccsd.Amplitudes{T1: t1, T2: t2}, nil
}

func main() {
	log.SetFlags(log.Lmicroseconds | log.Llongfile | log.LstdFlags)
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		log.Fatalf("%+v", err)
	}
}
