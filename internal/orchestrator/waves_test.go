package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

func waveIDs(waves [][]*v1.Task) [][]string {
	out := make([][]string, len(waves))
	for i, wave := range waves {
		for _, t := range wave {
			out[i] = append(out[i], t.ID)
		}
	}
	return out
}

func TestComputeWavesLayersByDependencyDepth(t *testing.T) {
	tasks := []*v1.Task{
		{ID: "a"},
		{ID: "b"},
		{ID: "c", DependsOn: []string{"a"}},
		{ID: "d", DependsOn: []string{"a", "b"}},
		{ID: "e", DependsOn: []string{"c", "d"}},
	}
	waves := ComputeWaves(tasks)
	require.Len(t, waves, 3)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, waveIDs(waves))
}

func TestComputeWavesIgnoresExternalDependencies(t *testing.T) {
	tasks := []*v1.Task{
		{ID: "a", DependsOn: []string{"outside"}},
		{ID: "b", DependsOn: []string{"a"}},
	}
	waves := ComputeWaves(tasks)
	require.Len(t, waves, 2)
	assert.Equal(t, [][]string{{"a"}, {"b"}}, waveIDs(waves))
}

func TestComputeWavesDumpsCyclesToFinalWave(t *testing.T) {
	tasks := []*v1.Task{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"c"}},
		{ID: "c", DependsOn: []string{"b"}},
		{ID: "d", DependsOn: []string{"a"}},
	}
	waves := ComputeWaves(tasks)
	require.Len(t, waves, 3)
	assert.Equal(t, []string{"a"}, waveIDs(waves)[0])
	assert.Equal(t, []string{"d"}, waveIDs(waves)[1])
	// Cyclic tasks land in a trailing wave in input order.
	assert.Equal(t, []string{"b", "c"}, waveIDs(waves)[2])
}

func TestComputeWavesEmpty(t *testing.T) {
	assert.Nil(t, ComputeWaves(nil))
}
