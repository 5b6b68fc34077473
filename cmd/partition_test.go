package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/meshdist/InputParameters"
)

func TestRunPartition(t *testing.T) {
	pp := InputParameters.NewPartitionParameters()
	pp.Mesh = "tri"
	pp.Resolution = 6
	pp.Processes = 3
	pp.Partitions = 5
	pp.Compression = "lz4"
	pp.CheckInvariants = true
	results, err := RunPartition(pp, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, results, 3)
	owned := 0
	for _, res := range results {
		owned += res.Counts.OwnedNodes + res.Counts.OwnedElements
		assert.Equal(t, results[0].Digest, res.Digest)
	}
	// 49 nodes and 72 triangles
	assert.Equal(t, 49+72, owned)
	printResults(results)

	pp.Mesh = "torus"
	_, err = RunPartition(pp, zerolog.Nop())
	assert.Error(t, err)
}

func TestProcessInputFile(t *testing.T) {
	fileInput := []byte(`
Title: Test Case
Mesh: chain
Resolution: 20
Processes: 2
Partitions: 2
Partitioner: block
`)
	ipFile := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(ipFile, fileInput, 0o644))
	pp := processInput(ipFile)
	assert.Equal(t, "chain", pp.Mesh)
	assert.Equal(t, 20, pp.Resolution)
	assert.Equal(t, "block", pp.Partitioner)
	assert.Equal(t, 1, pp.Rings)
}
