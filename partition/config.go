package partition

import (
	"errors"

	"github.com/notargets/meshdist/mesh"
)

var (
	ErrNotInitialized       = errors.New("partition: engine not initialized")
	ErrNotPartitioned       = errors.New("partition: no partition computed")
	ErrAlreadyPartitioned   = errors.New("partition: already partitioned since the last Initialize")
	ErrIncompleteAssignment = errors.New("partition: assignment does not cover every vertex")
	ErrNotFound             = errors.New("partition: global id not known to the engine")
	ErrTooLarge             = errors.New("partition: graph too large for this partitioner")
)

// Config holds configuration for mesh partitioning
type Config struct {
	NumPartitions       int
	ImbalanceFactor     float64 // spectral cut tolerance, e.g., 1.05 for 5% imbalance
	UseEdgeWeights      bool
	UseVertexWeights    bool
	MaxSpectralVertices int
}

// DefaultConfig returns default partitioning configuration
func DefaultConfig(nparts int) *Config {
	return &Config{
		NumPartitions:       nparts,
		ImbalanceFactor:     1.05,
		UseEdgeWeights:      true,
		UseVertexWeights:    true,
		MaxSpectralVertices: 2048,
	}
}

// CostModel weights graph vertices and partition interfaces.
type CostModel struct {
	Compute func(elemType mesh.ElementType, numVertices int) int32
	Comm    func(faceVertices int, isBoundary bool) int32
}

func DefaultCostModel() CostModel {
	// Base costs reflect relative computational expense
	baseCost := map[mesh.ElementType]int32{
		mesh.Point:    1,
		mesh.Line:     1,
		mesh.Triangle: 1,
		mesh.Quad:     2,
		mesh.Tet:      1,
		mesh.Hex:      8, // Hex has 8 vertices vs 4 for tet
		mesh.Prism:    6,
		mesh.Pyramid:  5,
	}
	return CostModel{
		Compute: func(elemType mesh.ElementType, numVertices int) int32 {
			// Could be enhanced with polynomial order information
			return baseCost[elemType]
		},
		Comm: func(faceVertices int, isBoundary bool) int32 {
			if isBoundary {
				return 0 // No communication across boundaries
			}
			// For linear elements the face DOFs are its vertices
			return int32(faceVertices)
		},
	}
}
