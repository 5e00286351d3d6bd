// Package config defines the index configuration surface (spec §6) and its
// YAML representation, following the teacher's config package shape: a
// plain struct with yaml/json tags, a defaulting function, and explicit
// validation rather than panics.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/replikativ/proximum/internal/errs"
)

// Distance selects the metric used to order search results.
type Distance string

const (
	DistanceEuclidean    Distance = "euclidean"
	DistanceCosine       Distance = "cosine"
	DistanceInnerProduct Distance = "inner_product"
)

// Config is the index creation configuration surface (spec §6).
type Config struct {
	// Dim is the vector dimensionality. Required.
	Dim int `yaml:"dim" json:"dim"`

	// M is the max neighbors per node at upper layers. Default 16.
	M int `yaml:"m" json:"m"`

	// M0 is the max neighbors per node at layer 0. Default 2*M.
	M0 int `yaml:"m0" json:"m0"`

	// EfConstruction is the build beam width. Default 200.
	EfConstruction int `yaml:"ef_construction" json:"ef_construction"`

	// EfSearch is the default query beam width, overridable per query.
	// Default 50.
	EfSearch int `yaml:"ef_search" json:"ef_search"`

	// MaxLevel caps the layer assignable to a node. Default 16.
	MaxLevel int `yaml:"max_level" json:"max_level"`

	// Capacity is the fixed vector count cap. Required.
	Capacity int `yaml:"capacity" json:"capacity"`

	// Distance selects the metric. Default "cosine".
	Distance Distance `yaml:"distance" json:"distance"`

	// Branch names the initial branch. Default "main".
	Branch string `yaml:"branch" json:"branch"`

	// CryptoHash enables chained SHA-512 commit hashing.
	CryptoHash bool `yaml:"crypto_hash" json:"crypto_hash"`

	// ChunkSize is the edge-store chunk width in nodes; must be a power of
	// two. Default 1024.
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`

	// CacheSize hints the soft-chunk LRU cache capacity (entries). Default
	// 4096.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// WithDefaults returns a copy of cfg with zero-valued optional fields
// filled in per spec §6.
func (c Config) WithDefaults() Config {
	if c.M == 0 {
		c.M = 16
	}
	if c.M0 == 0 {
		c.M0 = 2 * c.M
	}
	if c.EfConstruction == 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch == 0 {
		c.EfSearch = 50
	}
	if c.MaxLevel == 0 {
		c.MaxLevel = 16
	}
	if c.Distance == "" {
		c.Distance = DistanceCosine
	}
	if c.Branch == "" {
		c.Branch = "main"
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 1024
	}
	if c.CacheSize == 0 {
		c.CacheSize = 4096
	}
	return c
}

// Validate checks invariants that WithDefaults cannot repair.
func (c Config) Validate() error {
	if c.Dim <= 0 {
		return errs.InvalidState("dim must be positive")
	}
	if c.Capacity < 0 {
		return errs.InvalidState("capacity must not be negative")
	}
	if c.ChunkSize <= 0 || c.ChunkSize&(c.ChunkSize-1) != 0 {
		return errs.InvalidState(fmt.Sprintf("chunk_size must be a power of two, got %d", c.ChunkSize))
	}
	switch c.Distance {
	case DistanceEuclidean, DistanceCosine, DistanceInnerProduct:
	default:
		return errs.InvalidState(fmt.Sprintf("unknown distance metric %q", c.Distance))
	}
	if c.M <= 0 || c.M0 <= 0 {
		return errs.InvalidState("M and M0 must be positive")
	}
	if c.MaxLevel <= 0 {
		return errs.InvalidState("max_level must be positive")
	}
	return nil
}

// Load reads and validates a Config from a YAML file, applying defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errs.IO(err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, errs.IO(err)
	}
	c = c.WithDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
