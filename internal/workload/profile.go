// Package workload drives concurrent allocation traffic through a shim and
// checks the results.
package workload

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrBadProfile indicates an invalid profile.
var ErrBadProfile = errors.New("workload: invalid profile")

// Profile describes the traffic each worker generates. Percentages choose the
// operation mix; the remainder after calloc, realloc and free is malloc.
type Profile struct {
	Workers      int    `yaml:"workers"`
	OpsPerWorker int    `yaml:"ops_per_worker"`
	MaxSize      int    `yaml:"max_size"`
	CallocPct    int    `yaml:"calloc_pct"`
	ReallocPct   int    `yaml:"realloc_pct"`
	FreePct      int    `yaml:"free_pct"`
	Seed         uint64 `yaml:"seed"`
}

// DefaultProfile returns the profile used when none is given.
func DefaultProfile() Profile {
	return Profile{
		Workers:      8,
		OpsPerWorker: 10000,
		MaxSize:      4096,
		CallocPct:    20,
		ReallocPct:   20,
		FreePct:      40,
		Seed:         1,
	}
}

// Validate checks the profile for usable values.
func (p Profile) Validate() error {
	switch {
	case p.Workers <= 0:
		return fmt.Errorf("%w: workers must be positive", ErrBadProfile)
	case p.OpsPerWorker < 0:
		return fmt.Errorf("%w: ops_per_worker must not be negative", ErrBadProfile)
	case p.MaxSize <= 0:
		return fmt.Errorf("%w: max_size must be positive", ErrBadProfile)
	case p.CallocPct < 0 || p.ReallocPct < 0 || p.FreePct < 0:
		return fmt.Errorf("%w: percentages must not be negative", ErrBadProfile)
	case p.CallocPct+p.ReallocPct+p.FreePct > 100:
		return fmt.Errorf("%w: calloc_pct+realloc_pct+free_pct exceeds 100", ErrBadProfile)
	}
	return nil
}

// ParseProfile decodes a YAML profile. Missing keys keep DefaultProfile
// values.
func ParseProfile(data []byte) (Profile, error) {
	p := DefaultProfile()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("%w: %w", ErrBadProfile, err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// LoadProfile reads a YAML profile from path.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	return ParseProfile(data)
}
