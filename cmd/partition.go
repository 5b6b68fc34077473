/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/notargets/meshdist/InputParameters"
	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/decompose"
	"github.com/notargets/meshdist/generate"
)

// PartitionCmd represents the partition command
var PartitionCmd = &cobra.Command{
	Use:   "partition",
	Short: "Partition a generated mesh over in-process ranks and grow ghost layers",
	Long: `
Generates a structured mesh, seeds every rank with its hashed share, partitions
the mesh, migrates entities to their new owners and grows the overlap.

meshdist partition -m quadb -r 32 -p 4 -n 8 -a spectral`,
	Run: func(cmd *cobra.Command, args []string) {
		var (
			err error
		)
		ipFile, _ := cmd.Flags().GetString("inputParametersFile")
		pp := processInput(ipFile)
		pp.Print()
		results, err := RunPartition(pp, newLogger())
		if err != nil {
			fmt.Printf("error: %s\n", err.Error())
			os.Exit(1)
		}
		printResults(results)
	},
}

func init() {
	rootCmd.AddCommand(PartitionCmd)
	d := InputParameters.NewPartitionParameters()
	PartitionCmd.Flags().StringP("inputParametersFile", "I", "", "YAML file for the run parameters")
	PartitionCmd.Flags().StringP("mesh", "m", d.Mesh, "mesh to generate: chain, quad, quadb, tri, hex or twotets")
	PartitionCmd.Flags().IntP("resolution", "r", d.Resolution, "elements per side of the generated mesh")
	PartitionCmd.Flags().IntP("processes", "p", d.Processes, "number of in-process ranks")
	PartitionCmd.Flags().IntP("partitions", "n", d.Partitions, "number of partitions")
	PartitionCmd.Flags().StringP("partitioner", "a", d.Partitioner, "partitioner: block, graph or spectral")
	PartitionCmd.Flags().IntP("rings", "g", d.Rings, "number of overlap rings")
	PartitionCmd.Flags().StringP("compression", "c", d.Compression, "exchange compression: none, lz4 or zstd")
	PartitionCmd.Flags().Int("bufferSize", d.BufferSize, "store growth increment")
	PartitionCmd.Flags().Bool("checkInvariants", false, "verify ownership and overlap invariants between phases")
	for _, name := range []string{"mesh", "resolution", "processes", "partitions", "partitioner",
		"rings", "compression", "bufferSize", "checkInvariants"} {
		_ = viper.BindPFlag(name, PartitionCmd.Flags().Lookup(name))
	}
}

// processInput starts from the defaults, applies the parameters file and
// then anything set through flags, the config file or the environment.
func processInput(ipFile string) (pp *InputParameters.PartitionParameters) {
	var (
		err error
	)
	pp = InputParameters.NewPartitionParameters()
	if len(ipFile) != 0 {
		var data []byte
		if data, err = os.ReadFile(ipFile); err != nil {
			panic(err)
		}
		if err = pp.Parse(data); err != nil {
			panic(err)
		}
	}
	if viper.IsSet("mesh") {
		pp.Mesh = viper.GetString("mesh")
	}
	if viper.IsSet("resolution") {
		pp.Resolution = viper.GetInt("resolution")
	}
	if viper.IsSet("processes") {
		pp.Processes = viper.GetInt("processes")
	}
	if viper.IsSet("partitions") {
		pp.Partitions = viper.GetInt("partitions")
	}
	if viper.IsSet("partitioner") {
		pp.Partitioner = viper.GetString("partitioner")
	}
	if viper.IsSet("rings") {
		pp.Rings = viper.GetInt("rings")
	}
	if viper.IsSet("compression") {
		pp.Compression = viper.GetString("compression")
	}
	if viper.IsSet("bufferSize") {
		pp.BufferSize = viper.GetInt("bufferSize")
	}
	if viper.IsSet("checkInvariants") {
		pp.CheckInvariants = viper.GetBool("checkInvariants")
	}
	if err = pp.Validate(); err != nil {
		fmt.Printf("error: %s\n", err.Error())
		exampleFile := `
########################################
Title: "Test Case"
Mesh: quadb # Can be chain, quad, tri, hex or twotets
Resolution: 32
Processes: 4
Partitions: 8
Partitioner: graph # Can be block or spectral
Rings: 1
########################################
`
		fmt.Printf("Example File:%s\n", exampleFile)
		os.Exit(1)
	}
	return
}

// RunPartition decomposes the generated mesh over pp.Processes ranks and
// returns every rank's result, indexed by rank.
func RunPartition(pp *InputParameters.PartitionParameters, log zerolog.Logger) ([]*decompose.Result, error) {
	g, err := generate.ByName(pp.Mesh, pp.Resolution)
	if err != nil {
		return nil, err
	}
	compression, err := comm.ParseCompression(pp.Compression)
	if err != nil {
		return nil, err
	}
	cfg := decompose.DefaultConfig(pp.Partitions)
	cfg.Partitioner = pp.Partitioner
	cfg.Rings = pp.Rings
	cfg.CheckInvariants = pp.CheckInvariants
	cfg.Codec = comm.NewCodec(compression)
	if pp.ImbalanceFactor > 0 {
		cfg.Partition.ImbalanceFactor = pp.ImbalanceFactor
	}
	if pp.MaxSpectralVertices > 0 {
		cfg.Partition.MaxSpectralVertices = pp.MaxSpectralVertices
	}

	results := make([]*decompose.Result, pp.Processes)
	err = comm.Run(context.Background(), pp.Processes, log, func(pc *comm.ProcessContext) error {
		m, _, err := generate.Distribute(pc, cfg.Codec, g, pp.Partitions, pp.BufferSize)
		if err != nil {
			return err
		}
		results[pc.Rank], err = decompose.Run(pc, m, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func printResults(results []*decompose.Result) {
	fmt.Printf("%6s %12s %12s %14s %14s %8s\n",
		"rank", "ownedNodes", "ghostNodes", "ownedElements", "ghostElements", "moves")
	for rank, res := range results {
		c := res.Counts
		fmt.Printf("%6d %12d %12d %14d %14d %8d\n",
			rank, c.OwnedNodes, c.GhostNodes, c.OwnedElements, c.GhostElements, len(res.Changes))
	}
	r := results[0].Report
	fmt.Printf("\nPartition Quality:\n")
	fmt.Printf("  Cut faces:     %d\n", r.CutFaces)
	fmt.Printf("  Comm volume:   %d\n", r.CommVolume)
	fmt.Printf("  Load min/max:  %.0f / %.0f (mean %.1f, stddev %.2f)\n",
		r.MinLoad, r.MaxLoad, r.MeanLoad, r.StdDevLoad)
	fmt.Printf("  Imbalance:     %.2f%%\n", r.Imbalance*100)
	pairs := make([][2]int, 0, len(r.Interfaces))
	for pair := range r.Interfaces {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	for _, pair := range pairs {
		fmt.Printf("  Partition %d <-> %d: %d faces\n", pair[0], pair[1], r.Interfaces[pair])
	}
	fmt.Printf("  Owned digest:  %s\n", results[0].Digest)
}
