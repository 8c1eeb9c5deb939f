package checkpoint

import (
	"math"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/fumin/ccsd/eris"
	"github.com/fumin/ccsd/tensor"
)

func record(runID string, scale float64) Record {
	t1 := tensor.New([]float64{0.1 * scale, -math.Pi / 7, 1e-300, 3}, 2, 2)
	t2 := tensor.Zeros(2, 2, 2, 2)
	for k := range t2.Data() {
		t2.Data()[k] = scale / float64(k+3)
	}
	return Record{
		RunID:  runID,
		ECorr:  -0.123456789012345 * scale,
		Nocc:   2,
		Nmo:    4,
		Frozen: eris.FrozenList(0, 5),
		MoOcc:  []float64{2, 2, 2, 0, 0, 0},
		T1:     NewArray(t1),
		T2:     NewArray(t2),
	}
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	r := record("a", 1)
	key, err := s.Save(r)
	require.NoError(t, err)
	require.Equal(t, "ccsd/a", key)

	got, err := s.Load(key)
	require.NoError(t, err)
	require.Equal(t, r.ECorr, got.ECorr)
	require.Equal(t, r.T1.Data, got.T1.Data)
	require.Equal(t, r.T2.Data, got.T2.Data)
	require.Equal(t, []int{0, 5}, got.Frozen.List())

	t1, t2, err := got.Amplitudes()
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, t1.Shape())
	require.Equal(t, []int{2, 2, 2, 2}, t2.Shape())
	require.Equal(t, r.T2.Data, t2.Data())
}

func TestLatest(t *testing.T) {
	t.Parallel()
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Latest()
	require.True(t, errors.Is(err, ErrNotFound), "%+v", err)

	for i, id := range []string{"first", "second", "first"} {
		_, err := s.Save(record(id, float64(i+1)))
		require.NoError(t, err)
	}
	latest, err := s.Latest()
	require.NoError(t, err)
	require.Equal(t, "first", latest.RunID)
	require.Equal(t, record("first", 3).ECorr, latest.ECorr)

	_, err = s.Load(Key("missing"))
	require.True(t, errors.Is(err, ErrNotFound), "%+v", err)
}

func TestPersistent(t *testing.T) {
	t.Parallel()
	dir, err := os.MkdirTemp("", "")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := Open(dir)
	require.NoError(t, err)
	r := record("run", 2)
	_, err = s.Save(r)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Latest()
	require.NoError(t, err)
	require.Equal(t, r.ECorr, got.ECorr)
	require.Equal(t, r.T1.Data, got.T1.Data)
}

func TestAmplitudesShape(t *testing.T) {
	t.Parallel()
	r := record("bad", 1)
	r.Nmo = 5
	_, _, err := r.Amplitudes()
	require.Error(t, err)

	r = record("bad", 1)
	r.T2 = nil
	_, _, err = r.Amplitudes()
	require.Error(t, err)
}
