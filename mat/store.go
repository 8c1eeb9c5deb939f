// Package mat provides storage for large tensors that are processed in slabs
// along their leading axis.
//
// A BlockStore is backed either by memory or by a scratch sqlite file, and
// is owned by exactly one computation which closes it when done.
package mat

import (
	"fmt"
	"slices"
	"sync"

	"github.com/pkg/errors"

	"github.com/fumin/ccsd/tensor"
)

// BlockStore holds named tensors that are read and written in slabs of
// their leading axis.
type BlockStore interface {
	// Create allocates a zero tensor.
	Create(name string, shape ...int) error
	Shape(name string) ([]int, error)
	// ReadBlock returns a copy of rows [p0, p1) of the leading axis.
	ReadBlock(name string, p0, p1 int) (*tensor.Dense, error)
	// WriteBlock overwrites rows starting at p0 with t.
	WriteBlock(name string, p0 int, t *tensor.Dense) error
	Close() error
}

// MemStore is a BlockStore that keeps tensors in memory.
type MemStore struct {
	mu sync.Mutex
	m  map[string]*tensor.Dense
}

func NewMemStore() *MemStore {
	return &MemStore{m: make(map[string]*tensor.Dense)}
}

func (s *MemStore) Create(name string, shape ...int) error {
	if len(shape) == 0 {
		return errors.Errorf("%s: empty shape", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[name] = tensor.Zeros(shape...)
	return nil
}

func (s *MemStore) Shape(name string) ([]int, error) {
	t, err := s.get(name)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return t.Shape(), nil
}

func (s *MemStore) ReadBlock(name string, p0, p1 int) (*tensor.Dense, error) {
	t, err := s.get(name)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if err := checkRows(t.Shape(), p0, p1); err != nil {
		return nil, errors.Wrap(err, name)
	}
	return t.Slice([2]int{p0, p1}), nil
}

func (s *MemStore) WriteBlock(name string, p0 int, b *tensor.Dense) error {
	t, err := s.get(name)
	if err != nil {
		return errors.Wrap(err, "")
	}
	shape := t.Shape()
	if err := checkSlab(shape, p0, b.Shape()); err != nil {
		return errors.Wrap(err, name)
	}
	t.SetSlice(b, [2]int{p0, p0 + b.Dim(0)})
	return nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.m)
	return nil
}

func (s *MemStore) get(name string) (*tensor.Dense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.m[name]
	if !ok {
		return nil, errors.Errorf("no tensor %q", name)
	}
	return t, nil
}

func checkRows(shape []int, p0, p1 int) error {
	if p0 < 0 || p1 > shape[0] || p0 > p1 {
		return errors.Errorf("rows [%d, %d) out of %v", p0, p1, shape)
	}
	return nil
}

func checkSlab(shape []int, p0 int, slab []int) error {
	if len(slab) != len(shape) || !slices.Equal(slab[1:], shape[1:]) {
		return errors.Errorf("slab %v does not fit %v", slab, shape)
	}
	if err := checkRows(shape, p0, p0+slab[0]); err != nil {
		return errors.Wrap(err, fmt.Sprintf("%d", p0))
	}
	return nil
}
