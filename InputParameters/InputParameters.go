package InputParameters

import (
	"fmt"

	"github.com/ghodss/yaml"
)

// Parameters obtained from the YAML input file
type PartitionParameters struct {
	Title               string  `yaml:"Title"`
	Mesh                string  `yaml:"Mesh"`       // chain, quad, quadb, tri, hex or twotets
	Resolution          int     `yaml:"Resolution"` // elements per side
	Processes           int     `yaml:"Processes"`
	Partitions          int     `yaml:"Partitions"`
	Partitioner         string  `yaml:"Partitioner"` // block, graph or spectral
	Rings               int     `yaml:"Rings"`
	Compression         string  `yaml:"Compression"` // none, lz4 or zstd
	BufferSize          int     `yaml:"BufferSize"`
	ImbalanceFactor     float64 `yaml:"ImbalanceFactor"`
	MaxSpectralVertices int     `yaml:"MaxSpectralVertices"`
	CheckInvariants     bool    `yaml:"CheckInvariants"`
}

func NewPartitionParameters() *PartitionParameters {
	return &PartitionParameters{
		Title:               "Partition",
		Mesh:                "quadb",
		Resolution:          16,
		Processes:           4,
		Partitions:          4,
		Partitioner:         "graph",
		Rings:               1,
		Compression:         "none",
		BufferSize:          64,
		ImbalanceFactor:     1.05,
		MaxSpectralVertices: 2048,
	}
}

func (pp *PartitionParameters) Parse(data []byte) error {
	return yaml.Unmarshal(data, pp)
}

func (pp *PartitionParameters) Validate() error {
	switch {
	case pp.Processes < 1:
		return fmt.Errorf("need at least one process, have %d", pp.Processes)
	case pp.Partitions < 1:
		return fmt.Errorf("need at least one partition, have %d", pp.Partitions)
	case pp.Rings < 0:
		return fmt.Errorf("ring count must not be negative, have %d", pp.Rings)
	case pp.BufferSize < 1:
		return fmt.Errorf("buffer size must be positive, have %d", pp.BufferSize)
	}
	return nil
}

func (pp *PartitionParameters) Print() {
	fmt.Printf("\"%s\"\t\t= Title\n", pp.Title)
	fmt.Printf("[%s] %d\t\t= Mesh, Resolution\n", pp.Mesh, pp.Resolution)
	fmt.Printf("%d\t\t\t= Processes\n", pp.Processes)
	fmt.Printf("%d\t\t\t= Partitions\n", pp.Partitions)
	fmt.Printf("[%s]\t\t\t= Partitioner\n", pp.Partitioner)
	fmt.Printf("%d\t\t\t= Overlap Rings\n", pp.Rings)
	fmt.Printf("[%s]\t\t\t= Compression\n", pp.Compression)
	fmt.Printf("%8.5f\t\t= Imbalance Factor\n", pp.ImbalanceFactor)
	if pp.CheckInvariants {
		fmt.Printf("invariant checks enabled\n")
	}
}
