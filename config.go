package ccsd

import (
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/fumin/ccsd/eris"
	"github.com/fumin/ccsd/mat"
)

// Config is the immutable configuration of a CCSD run.
type Config struct {
	// MaxCycle caps the number of iterations.
	MaxCycle int `yaml:"max_cycle" validate:"gte=1"`
	// ConvTol is the convergence threshold on the change of the correlation energy.
	ConvTol float64 `yaml:"conv_tol" validate:"gt=0"`
	// ConvTolNormt is the convergence threshold on the norm of the amplitude change.
	ConvTolNormt float64 `yaml:"conv_tol_normt" validate:"gt=0"`

	DIIS           bool `yaml:"diis"`
	DIISSpace      int  `yaml:"diis_space" validate:"gte=1"`
	DIISStartCycle int  `yaml:"diis_start_cycle" validate:"gte=0"`
	// DIISStartEnergyDiff keeps DIIS off while the energy still changes by more than this.
	DIISStartEnergyDiff float64 `yaml:"diis_start_energy_diff" validate:"gt=0"`

	// Direct contracts the vvvv ladder in the atomic orbital basis.
	Direct bool `yaml:"direct"`
	// DirectScreen is the Schwarz cutoff of the direct contraction.
	DirectScreen float64 `yaml:"direct_screen" validate:"gte=0"`

	// MaxMemory is the memory budget in megabytes that determines block sizes.
	MaxMemory float64 `yaml:"max_memory" validate:"gt=0"`
	// BlockFloor is the smallest block of virtual orbitals.
	BlockFloor int `yaml:"block_floor" validate:"gte=1"`
	// AllowOvercommit runs at BlockFloor even if that exceeds MaxMemory.
	// Otherwise such a run fails with ErrInsufficientMemory.
	AllowOvercommit bool `yaml:"allow_overcommit"`
	// ScratchDir holds intermediates that do not fit in memory.
	// Empty means the system temporary directory.
	ScratchDir string `yaml:"scratch_dir"`

	Frozen eris.Frozen `yaml:"frozen"`
}

// NewConfig returns the default configuration.
func NewConfig() Config {
	return Config{
		MaxCycle:            50,
		ConvTol:             1e-7,
		ConvTolNormt:        1e-5,
		DIIS:                true,
		DIISSpace:           6,
		DIISStartCycle:      0,
		DIISStartEnergyDiff: 1e9,
		DirectScreen:        1e-13,
		MaxMemory:           4000,
		BlockFloor:          mat.BlockMin,
		AllowOvercommit:     true,
	}
}

// LoadConfig reads a yaml file on top of the default configuration.
func LoadConfig(path string) (Config, error) {
	cfg := NewConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "")
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrap(err, path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, path)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the ranges of all options.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// WithMaxCycle sets the iteration cap.
func (c Config) WithMaxCycle(n int) Config {
	c.MaxCycle = n
	return c
}

// WithDIIS turns DIIS on or off.
func (c Config) WithDIIS(on bool) Config {
	c.DIIS = on
	return c
}

// WithDirect selects the atomic orbital vvvv contraction.
func (c Config) WithDirect(on bool) Config {
	c.Direct = on
	return c
}

// WithMaxMemory sets the memory budget in megabytes.
func (c Config) WithMaxMemory(mb float64) Config {
	c.MaxMemory = mb
	return c
}

// WithBlockFloor sets the smallest block of virtual orbitals.
func (c Config) WithBlockFloor(n int) Config {
	c.BlockFloor = n
	return c
}

// WithFrozen sets the frozen orbitals.
func (c Config) WithFrozen(f eris.Frozen) Config {
	c.Frozen = f
	return c
}
