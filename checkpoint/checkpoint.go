// Package checkpoint persists CCSD amplitudes in a badger key value store, so
// that an interrupted run can be restarted from its last cycle.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/fumin/ccsd/eris"
	"github.com/fumin/ccsd/tensor"
)

const (
	keyPrefix = "ccsd/"
	keyLatest = keyPrefix + "latest"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// Array is the serialized form of a tensor.
type Array struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// NewArray copies t.
func NewArray(t *tensor.Dense) *Array {
	if t == nil {
		return nil
	}
	return &Array{Shape: t.Shape(), Data: append([]float64(nil), t.Data()...)}
}

// Dense returns the tensor held by a.
func (a *Array) Dense() (*tensor.Dense, error) {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	if n != len(a.Data) {
		return nil, errors.Errorf("shape %v, %d elements", a.Shape, len(a.Data))
	}
	return tensor.New(append([]float64(nil), a.Data...), a.Shape...), nil
}

// Record is the state of one run after a cycle.
type Record struct {
	RunID     string      `json:"run_id"`
	ECorr     float64     `json:"e_corr"`
	Converged bool        `json:"converged"`
	Nocc      int         `json:"nocc"`
	Nmo       int         `json:"nmo"`
	Frozen    eris.Frozen `json:"frozen"`
	MoOcc     []float64   `json:"mo_occ,omitempty"`
	MoCoeff   *Array      `json:"mo_coeff,omitempty"`
	T1        *Array      `json:"t1"`
	T2        *Array      `json:"t2"`
}

// Amplitudes returns the t1 and t2 stored in r.
func (r Record) Amplitudes() (*tensor.Dense, *tensor.Dense, error) {
	if r.T1 == nil || r.T2 == nil {
		return nil, nil, errors.Errorf("run %s has no amplitudes", r.RunID)
	}
	t1, err := r.T1.Dense()
	if err != nil {
		return nil, nil, errors.Wrap(err, "t1")
	}
	t2, err := r.T2.Dense()
	if err != nil {
		return nil, nil, errors.Wrap(err, "t2")
	}
	nvir := r.Nmo - r.Nocc
	if s := t1.Shape(); len(s) != 2 || s[0] != r.Nocc || s[1] != nvir {
		return nil, nil, errors.Errorf("t1 shape %v, nocc %d nmo %d", s, r.Nocc, r.Nmo)
	}
	if s := t2.Shape(); len(s) != 4 || s[0] != r.Nocc || s[1] != r.Nocc || s[2] != nvir || s[3] != nvir {
		return nil, nil, errors.Errorf("t2 shape %v, nocc %d nmo %d", s, r.Nocc, r.Nmo)
	}
	return t1, t2, nil
}

// Store is a checkpoint database.
type Store struct {
	db *badger.DB
}

// Open opens or creates the database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return open(badger.DefaultOptions(dir))
}

// OpenInMemory opens a database that lives until Close.
func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// Key returns the key of a run.
func Key(runID string) string { return keyPrefix + runID }

// Save writes r under the key of its run and marks it as the latest record.
func (s *Store) Save(r Record) (string, error) {
	if r.RunID == "" {
		return "", errors.Errorf("empty run id")
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", errors.Wrap(err, "")
	}
	key := Key(r.RunID)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(key), b); err != nil {
			return errors.Wrap(err, "")
		}
		if err := txn.Set([]byte(keyLatest), []byte(key)); err != nil {
			return errors.Wrap(err, "")
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, key)
	}
	return key, nil
}

// Load reads the record stored under key.
func (s *Store) Load(key string) (Record, error) {
	var r Record
	err := s.db.View(func(txn *badger.Txn) error {
		b, err := get(txn, key)
		if err != nil {
			return errors.Wrap(err, "")
		}
		if err := json.Unmarshal(b, &r); err != nil {
			return errors.Wrap(err, "")
		}
		return nil
	})
	if err != nil {
		return Record{}, errors.Wrap(err, key)
	}
	return r, nil
}

// Latest reads the most recently saved record.
func (s *Store) Latest() (Record, error) {
	var key string
	err := s.db.View(func(txn *badger.Txn) error {
		b, err := get(txn, keyLatest)
		if err != nil {
			return errors.Wrap(err, "")
		}
		key = string(b)
		return nil
	})
	if err != nil {
		return Record{}, errors.Wrap(err, "")
	}
	return s.Load(key)
}

func get(txn *badger.Txn, key string) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.Wrap(ErrNotFound, fmt.Sprintf("%q", key))
	}
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	b, err := item.ValueCopy(nil)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return b, nil
}
