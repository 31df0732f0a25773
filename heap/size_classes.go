package heap

import (
	"fmt"
	"math"
	"sort"
)

// SizeClassConfig defines the size class strategy for small blocks.
type SizeClassConfig struct {
	// Name for this configuration (for stats output and benchmarks)
	Name string

	// Small blocks (linear increments)
	SmallMin       uintptr // Smallest block size (multiple of 8)
	SmallMax       uintptr // Last block size reached by linear increments
	SmallIncrement uintptr // Step between small classes (multiple of 8)

	// Medium blocks (geometric growth)
	MediumMax    uintptr // Largest class; bigger requests get a dedicated mapping
	GrowthFactor float64 // Ratio between consecutive medium classes (> 1)
}

// Predefined configurations.
var (
	// ConfigFineGrained: many small classes, least internal waste.
	// 8-256 step 8 (32 classes) + 256-16K x1.5 (~11 classes).
	ConfigFineGrained = SizeClassConfig{
		Name:           "FineGrained",
		SmallMin:       8,
		SmallMax:       256,
		SmallIncrement: 8,
		MediumMax:      16384,
		GrowthFactor:   1.5,
	}

	// ConfigBalanced: good balance between class count and waste.
	// 16-512 step 16 (32 classes) + 512-16K x1.5 (~9 classes).
	ConfigBalanced = SizeClassConfig{
		Name:           "Balanced",
		SmallMin:       16,
		SmallMax:       512,
		SmallIncrement: 16,
		MediumMax:      16384,
		GrowthFactor:   1.5,
	}

	// ConfigCoarse: few classes, more internal fragmentation.
	// 32-512 step 32 (16 classes) + 512-16K x2 (5 classes).
	ConfigCoarse = SizeClassConfig{
		Name:           "Coarse",
		SmallMin:       32,
		SmallMax:       512,
		SmallIncrement: 32,
		MediumMax:      16384,
		GrowthFactor:   2.0,
	}

	// DefaultConfig is used when no configuration is given.
	DefaultConfig = ConfigBalanced
)

// validate checks the invariants the arena relies on: every block size is a
// multiple of 8 and large enough to hold a free-list link.
func (c SizeClassConfig) validate() error {
	switch {
	case c.SmallMin < 8 || c.SmallMin%8 != 0:
		return fmt.Errorf("%w: SmallMin %d must be a positive multiple of 8", ErrBadOptions, c.SmallMin)
	case c.SmallIncrement == 0 || c.SmallIncrement%8 != 0:
		return fmt.Errorf("%w: SmallIncrement %d must be a positive multiple of 8", ErrBadOptions, c.SmallIncrement)
	case c.SmallMax < c.SmallMin:
		return fmt.Errorf("%w: SmallMax %d below SmallMin %d", ErrBadOptions, c.SmallMax, c.SmallMin)
	case c.MediumMax < c.SmallMax:
		return fmt.Errorf("%w: MediumMax %d below SmallMax %d", ErrBadOptions, c.MediumMax, c.SmallMax)
	case c.MediumMax > c.SmallMax && c.GrowthFactor <= 1:
		return fmt.Errorf("%w: GrowthFactor %.2f must exceed 1", ErrBadOptions, c.GrowthFactor)
	}
	return nil
}

// sizeClassTable holds the computed block size of each class, ascending.
type sizeClassTable struct {
	config     SizeClassConfig
	blockSizes []uintptr
}

// newSizeClassTable computes block sizes from config. config must be valid.
func newSizeClassTable(config SizeClassConfig) *sizeClassTable {
	table := &sizeClassTable{
		config:     config,
		blockSizes: make([]uintptr, 0, 64),
	}

	// Phase 1: small blocks (linear increments)
	size := config.SmallMin
	for ; size <= config.SmallMax; size += config.SmallIncrement {
		table.blockSizes = append(table.blockSizes, size)
	}
	size = table.blockSizes[len(table.blockSizes)-1]

	// Phase 2: medium blocks (geometric growth, rounded to 8)
	for size < config.MediumMax {
		next := alignUp(uintptr(math.Ceil(float64(size)*config.GrowthFactor)), 8)
		if next <= size {
			next = size + 8 // Ensure progress
		}
		if next > config.MediumMax {
			next = alignUp(config.MediumMax, 8)
		}
		table.blockSizes = append(table.blockSizes, next)
		size = next
	}

	return table
}

// classFor returns the smallest class whose block holds size bytes.
// Returns NumClasses() when size exceeds the largest class.
func (t *sizeClassTable) classFor(size uintptr) int {
	return sort.Search(len(t.blockSizes), func(i int) bool {
		return t.blockSizes[i] >= size
	})
}

// blockSize returns the block size of class c.
func (t *sizeClassTable) blockSize(c int) uintptr {
	return t.blockSizes[c]
}

// largest returns the block size of the last class.
func (t *sizeClassTable) largest() uintptr {
	return t.blockSizes[len(t.blockSizes)-1]
}

// String returns the configuration name.
func (t *sizeClassTable) String() string {
	return t.config.Name
}

// NumClasses returns the number of size classes.
func (t *sizeClassTable) NumClasses() int {
	return len(t.blockSizes)
}
