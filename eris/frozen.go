package eris

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrBadFrozen is returned for frozen orbital specifications that do not
// fit the reference.
var ErrBadFrozen = errors.New("bad frozen orbitals")

// Frozen selects the orbitals excluded from the correlation treatment.
// It is either a count of the lowest orbitals or an explicit index list.
// The zero value freezes nothing.
type Frozen struct {
	count  int
	list   []int
	isList bool
}

// FrozenCount freezes the n lowest orbitals.
func FrozenCount(n int) Frozen { return Frozen{count: n} }

// FrozenList freezes the orbitals with the given indices.
func FrozenList(idx ...int) Frozen { return Frozen{list: slices.Clone(idx), isList: true} }

// IsList reports whether f is an index list.
func (f Frozen) IsList() bool { return f.isList }

// Count returns the frozen count of a count specification.
func (f Frozen) Count() int { return f.count }

// List returns the indices of a list specification.
func (f Frozen) List() []int { return slices.Clone(f.list) }

// Mask returns which of the nmo orbitals are active.
func (f Frozen) Mask(nmo int) ([]bool, error) {
	mask := make([]bool, nmo)
	for i := range mask {
		mask[i] = true
	}
	if !f.isList {
		if f.count < 0 || f.count > nmo {
			return nil, errors.Wrap(ErrBadFrozen, fmt.Sprintf("count %d, nmo %d", f.count, nmo))
		}
		for i := range f.count {
			mask[i] = false
		}
		return mask, nil
	}
	for _, i := range f.list {
		if i < 0 || i >= nmo {
			return nil, errors.Wrap(ErrBadFrozen, fmt.Sprintf("index %d, nmo %d", i, nmo))
		}
		if !mask[i] {
			return nil, errors.Wrap(ErrBadFrozen, fmt.Sprintf("duplicate index %d", i))
		}
		mask[i] = false
	}
	return mask, nil
}

// NumOcc returns the number of active occupied orbitals.
func NumOcc(moOcc []float64, mask []bool) int {
	var n int
	for i, occ := range moOcc {
		if occ > 0 && mask[i] {
			n++
		}
	}
	return n
}

func (f Frozen) String() string {
	if f.isList {
		return fmt.Sprintf("%v", f.list)
	}
	return fmt.Sprintf("%d", f.count)
}

func (f Frozen) MarshalJSON() ([]byte, error) {
	if f.isList {
		return json.Marshal(f.list)
	}
	return json.Marshal(f.count)
}

func (f *Frozen) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*f = FrozenCount(n)
		return nil
	}
	var list []int
	if err := json.Unmarshal(b, &list); err != nil {
		return errors.Wrap(err, string(b))
	}
	*f = FrozenList(list...)
	return nil
}

func (f Frozen) MarshalYAML() (any, error) {
	if f.isList {
		return f.list, nil
	}
	return f.count, nil
}

func (f *Frozen) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var n int
		if err := value.Decode(&n); err != nil {
			return errors.Wrap(err, "")
		}
		*f = FrozenCount(n)
	case yaml.SequenceNode:
		var list []int
		if err := value.Decode(&list); err != nil {
			return errors.Wrap(err, "")
		}
		*f = FrozenList(list...)
	default:
		return errors.Errorf("frozen must be an integer or a list, line %d", value.Line)
	}
	return nil
}
