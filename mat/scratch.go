package mat

import (
	"os"

	"github.com/pkg/errors"
)

// Scratch opens a BlockStore able to hold the given number of float64 words.
type Scratch func(words float64) (BlockStore, error)

// NewScratch returns a Scratch that keeps data in memory when it fits within
// budget words, and otherwise spills to a sqlite file in dir.
// An empty dir means os.TempDir.
func NewScratch(dir string, budget float64) Scratch {
	return func(words float64) (BlockStore, error) {
		if words <= budget {
			return NewMemStore(), nil
		}
		return newDiskScratch(dir)
	}
}

// DiskScratch always spills to a sqlite file in dir.
func DiskScratch(dir string) Scratch {
	return func(float64) (BlockStore, error) { return newDiskScratch(dir) }
}

func newDiskScratch(dir string) (BlockStore, error) {
	f, err := os.CreateTemp(dir, "ccsd-scratch-*.db")
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if err := f.Close(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	s, err := NewDiskStore(f.Name())
	if err != nil {
		os.Remove(f.Name())
		return nil, errors.Wrap(err, "")
	}
	return s, nil
}
