package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const h2FCIDUMP = ` &FCI NORB=2,NELEC=2,MS2=0,
  ORBSYM=1,5,
  ISYM=1,
 &END
 0.6746  1 1 1 1
 0.6636  1 1 2 2
 0.1813  1 2 1 2
 0.6975  2 2 2 2
-1.2528  1 1 0 0
-0.4756  2 2 0 0
 0.7137  0 0 0 0
`

func TestRun(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	fcidump := filepath.Join(dir, "FCIDUMP")
	require.NoError(t, os.WriteFile(fcidump, []byte(h2FCIDUMP), 0o600))
	config := filepath.Join(dir, "ccsd.yaml")
	require.NoError(t, os.WriteFile(config, []byte("conv_tol: 1e-11\nconv_tol_normt: 1e-9\n"), 0o600))

	tests := []struct {
		name string
		args []string
	}{
		{name: "incore", args: []string{"--fcidump", fcidump, "--config", config}},
		{name: "direct", args: []string{"--fcidump", fcidump, "--config", config, "--direct", "-v"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			out := runCmd(t, test.args...)
			require.True(t, out.Converged)
			require.Equal(t, "converged", out.State)
			require.NotEmpty(t, out.RunID)
			require.InDelta(t, -0.020570929, out.ECorr, 1e-8)
			require.InDelta(t, -0.013163672, out.EMP2, 1e-8)
			require.InDelta(t, 0.7137-1.831, out.EHF, 1e-12)
			require.InDelta(t, out.EHF+out.ECorr, out.ETot, 1e-12)
		})
	}
}

func TestRunRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	fcidump := filepath.Join(dir, "FCIDUMP")
	require.NoError(t, os.WriteFile(fcidump, []byte(h2FCIDUMP), 0o600))
	chk := filepath.Join(dir, "chk")
	metrics := filepath.Join(dir, "metrics.prom")

	first := runCmd(t, "--fcidump", fcidump, "--chk", chk, "--restart", "--metrics", metrics)
	require.True(t, first.Converged)
	b, err := os.ReadFile(metrics)
	require.NoError(t, err)
	require.Contains(t, string(b), "ccsd_cycles_total")

	second := runCmd(t, "--fcidump", fcidump, "--chk", chk, "--restart")
	require.True(t, second.Converged)
	require.NotEqual(t, first.RunID, second.RunID)
	require.LessOrEqual(t, second.Cycles, first.Cycles)
	require.InDelta(t, first.ECorr, second.ECorr, 1e-7)
}

func TestRunErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	fcidump := filepath.Join(dir, "FCIDUMP")
	require.NoError(t, os.WriteFile(fcidump, []byte(h2FCIDUMP), 0o600))

	tests := []struct {
		name string
		args []string
	}{
		{name: "no fcidump", args: []string{}},
		{name: "missing file", args: []string{"--fcidump", filepath.Join(dir, "nope")}},
		{name: "frozen", args: []string{"--fcidump", fcidump, "--frozen", "1"}},
		{name: "max cycle", args: []string{"--fcidump", fcidump, "--max-cycle", "0"}},
		{name: "args", args: []string{"--fcidump", fcidump, "extra"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			cmd := newRootCmd(io.Discard, io.Discard)
			cmd.SetArgs(test.args)
			require.Error(t, cmd.Execute())
		})
	}
}

func runCmd(t *testing.T, args ...string) output {
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute(), stderr.String())
	require.True(t, strings.Contains(stderr.String(), "CCSD flags"), stderr.String())

	var out output
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	return out
}
