package mat

import (
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/fumin/ccsd/tensor"
)

// LoadFunc reads the slab [p0, p1) of some tensor.
type LoadFunc func(p0, p1 int) (*tensor.Dense, error)

// Prefetcher is a two slot double buffer.
// While the caller consumes the slab in one slot, the next slab is loaded
// into the other slot in the background.
// At most one load is in flight at any time.
type Prefetcher struct {
	load  LoadFunc
	slots [2]*tensor.Dense
	cur   int

	g       *errgroup.Group
	pending bool
}

func NewPrefetcher(load LoadFunc) *Prefetcher {
	return &Prefetcher{load: load}
}

// Start begins loading [p0, p1) into the idle slot.
func (p *Prefetcher) Start(p0, p1 int) error {
	if p.pending {
		return errors.Errorf("prefetch of [%d, %d) while another load is in flight", p0, p1)
	}
	idle := 1 - p.cur
	p.slots[idle] = nil
	p.g = &errgroup.Group{}
	p.g.Go(func() error {
		t, err := p.load(p0, p1)
		if err != nil {
			return errors.Wrap(err, "")
		}
		p.slots[idle] = t
		return nil
	})
	p.pending = true
	return nil
}

// Wait blocks until the in flight load finishes and hands its slot to the
// caller.
func (p *Prefetcher) Wait() (*tensor.Dense, error) {
	if !p.pending {
		return nil, errors.Errorf("no load in flight")
	}
	err := p.g.Wait()
	p.pending = false
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	p.cur = 1 - p.cur
	return p.slots[p.cur], nil
}

// ForEach loads the slabs in ranges in order and calls fn on each of them.
// The load of slab k+1 overlaps with fn on slab k.
func ForEach(ranges [][2]int, load LoadFunc, fn func(p0, p1 int, slab *tensor.Dense) error) error {
	if len(ranges) == 0 {
		return nil
	}
	p := NewPrefetcher(load)
	if err := p.Start(ranges[0][0], ranges[0][1]); err != nil {
		return errors.Wrap(err, "")
	}
	for k, r := range ranges {
		slab, err := p.Wait()
		if err != nil {
			return errors.Wrap(err, "")
		}
		if k+1 < len(ranges) {
			if err := p.Start(ranges[k+1][0], ranges[k+1][1]); err != nil {
				return errors.Wrap(err, "")
			}
		}
		if err := fn(r[0], r[1], slab); err != nil {
			if k+1 < len(ranges) {
				p.Wait()
			}
			return errors.Wrap(err, "")
		}
	}
	return nil
}
