package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/sagin-testbed/internal/config"
	"github.com/signalsfoundry/sagin-testbed/internal/logging"
	"github.com/signalsfoundry/sagin-testbed/internal/protocol"
	"github.com/signalsfoundry/sagin-testbed/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRobinAgent(t *testing.T) {
	agent := roundRobinAgent()
	state := &protocol.State{
		Resources: []protocol.ResourceView{{ID: 101}, {ID: 201}},
		Jobs: []protocol.JobView{
			{ID: 1, ResourceID: model.Unbound, Phase: model.PhaseWaiting},
			{ID: 2, ResourceID: 101, Phase: model.PhaseRunning},
			{ID: 3, ResourceID: model.Unbound, Phase: model.PhaseWaiting},
			{ID: 4, ResourceID: 201, Phase: model.PhaseWaiting},
			{ID: 5, ResourceID: model.Unbound, Phase: model.PhaseWaiting},
		},
	}

	d, ok := agent(state)
	require.True(t, ok)
	assert.Equal(t, []protocol.Assignment{
		{JobID: 1, ResourceID: 101},
		{JobID: 3, ResourceID: 201},
		{JobID: 4, ResourceID: 201},
		{JobID: 5, ResourceID: 101},
	}, d.Assignments)

	d, ok = agent(&protocol.State{})
	require.True(t, ok)
	assert.Empty(t, d.Assignments)
}

func TestRunTestbedWithMemoryTransport(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.Kind = config.TransportMemory
	cfg.Run.DurationSeconds = 10
	cfg.Ops.Listen = ""
	cfg.Engine.Generator.GroundRate = 5
	cfg.Engine.Generator.SatelliteRate = 5
	require.NoError(t, cfg.Validate())

	result, err := runTestbed(context.Background(), &cfg, logging.Noop(), prometheus.NewRegistry(), &bytes.Buffer{})
	require.NoError(t, err)

	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, int64(11), result.Ticks)
	assert.Positive(t, result.NetworkJoules)
	assert.Positive(t, result.Finished+result.Running)
	require.Len(t, result.ComputeJoules, 2)
	for id, joules := range result.ComputeJoules {
		assert.GreaterOrEqual(t, joules, 11*cfg.Energy.IdleWatts, "resource %d", id)
	}

	var out bytes.Buffer
	result.write(&out)
	assert.Contains(t, out.String(), "11 ticks")
	assert.Contains(t, out.String(), "compute energy resource 101")
}

func TestRunTestbedWithFileTransportTimesOut(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.File.Dir = t.TempDir()
	cfg.Run.DurationSeconds = 1
	cfg.Run.AwaitFraction = 0.02
	cfg.Ops.Listen = ""
	require.NoError(t, cfg.Validate())

	result, err := runTestbed(context.Background(), &cfg, logging.Noop(), prometheus.NewRegistry(), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Ticks)
	assert.Zero(t, result.NetworkJoules)

	_, err = os.Stat(filepath.Join(cfg.Transport.File.Dir, "state_000001.json"))
	require.NoError(t, err)
}

func TestRunCommandRejectsInvalidFlags(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "--transport", "pigeon"})
	err := cmd.Execute()
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestProfileInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "links.csv")
	csv := "# t, src, dst, rtt, up, down, loss, up\n" +
		"0, gs_0, vm_101, 20, 300, 300, 0, 1\n" +
		"0, gs_0, vm_201, 20, 300, 300, 0, 0\n" +
		"0, broken\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"profile", "inspect", path, "--bits", "24000000"})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "loaded 2 rows, skipped 1, 2 pairs")
	assert.Contains(t, text, "line 4:")
	assert.Contains(t, text, "0.0900")
	assert.Contains(t, text, "false")
}
