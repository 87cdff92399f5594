// Package parallel exposes the tensor-parallel topology as an injected
// query surface. The process-group runtime that establishes the topology
// lives outside this module; consumers only ever ask for the world size
// and this process's rank.
package parallel

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variables consulted by FromEnv, matching the launcher's
// per-process assignment.
const (
	EnvWorldSize = "VENEER_TP_WORLD_SIZE"
	EnvRank      = "VENEER_TP_RANK"
)

// Topology answers tensor-parallel placement queries for this process.
type Topology interface {
	// WorldSize returns the tensor-parallel group size, at least one.
	WorldSize() int
	// Rank returns this process's index in [0, WorldSize).
	Rank() int
}

// Fixed is a static Topology, the common case for tests and single-host
// runs.
type Fixed struct {
	Size int
	R    int
}

// NewFixed validates and returns a static topology.
func NewFixed(worldSize, rank int) (Fixed, error) {
	if worldSize < 1 {
		return Fixed{}, fmt.Errorf("world size must be positive, got %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return Fixed{}, fmt.Errorf("rank %d out of range [0, %d)", rank, worldSize)
	}
	return Fixed{Size: worldSize, R: rank}, nil
}

func (f Fixed) WorldSize() int { return f.Size }
func (f Fixed) Rank() int      { return f.R }

// Single is the degenerate one-process topology.
var Single = Fixed{Size: 1, R: 0}

// FromEnv builds a topology from the launcher environment. Unset variables
// default to a single-process topology.
func FromEnv() (Topology, error) {
	size, err := envInt(EnvWorldSize, 1)
	if err != nil {
		return nil, err
	}
	rank, err := envInt(EnvRank, 0)
	if err != nil {
		return nil, err
	}
	f, err := NewFixed(size, rank)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func envInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
