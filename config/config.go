// Package config loads the YAML description of a redistribution run
package config

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/notargets/TSCollect/collect"
	"github.com/notargets/TSCollect/partitions"
)

const (
	ModeLocal = "local" // All nodes in one process over transport.Fabric
	ModeWS    = "ws"    // One node per process over websockets
)

// Transport selects how nodes reach each other
type Transport struct {
	Mode   string   `yaml:"mode"`
	Listen string   `yaml:"listen,omitempty"`
	Peers  []string `yaml:"peers,omitempty"` // Address of every rank, indexed by rank
}

// Config describes one run: the lattice, its decomposition, the
// redistribution parameters and the transport
type Config struct {
	Lattice    []int `yaml:"lattice"`
	NodeGrid   []int `yaml:"node_grid,omitempty"` // Derived from Nodes when empty
	Nodes      int   `yaml:"nodes"`
	Components int   `yaml:"components"`

	RangeStart     int `yaml:"range_start"`
	RangeLength    int `yaml:"range_length"`
	GroupsPerBlock int `yaml:"groups_per_block"`
	NodeStride     int `yaml:"node_stride"`

	Iterations  int       `yaml:"iterations"`
	Transport   Transport `yaml:"transport"`
	MetricsAddr string    `yaml:"metrics_addr,omitempty"`
}

// Default returns the four node scenario: a 2x2x2x8 lattice split along t,
// eight slices collected four at a time by nodes 0 and 2
func Default() *Config {
	return &Config{
		Lattice:        []int{2, 2, 2, 8},
		Nodes:          4,
		Components:     2,
		RangeLength:    8,
		GroupsPerBlock: 4,
		NodeStride:     2,
		Iterations:     1,
		Transport:      Transport{Mode: ModeLocal},
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return c, nil
}

func coord(name string, v []int) (c partitions.Coord, err error) {
	if len(v) != partitions.Nd {
		return c, errors.Errorf("%s has %d extents, want %d", name, len(v), partitions.Nd)
	}
	copy(c[:], v)
	return c, nil
}

// Builder returns the layout builder described by the config
func (c *Config) Builder() (*partitions.LayoutBuilder, error) {
	latt, err := coord("lattice", c.Lattice)
	if err != nil {
		return nil, err
	}
	lb := &partitions.LayoutBuilder{LattSize: latt, NumNodes: c.Nodes}
	if len(c.NodeGrid) > 0 {
		grid, err := coord("node_grid", c.NodeGrid)
		if err != nil {
			return nil, err
		}
		lb.NodeGrid = &grid
	}
	return lb, nil
}

// Params returns the redistribution parameters
func (c *Config) Params() collect.Params {
	return collect.Params{
		RangeStart:     c.RangeStart,
		RangeLength:    c.RangeLength,
		GroupsPerBlock: c.GroupsPerBlock,
		NodeStride:     c.NodeStride,
	}
}

// Validate checks everything that can be checked before any node starts
func (c *Config) Validate() error {
	if c.Components < 1 {
		return errors.Errorf("components %d must be positive", c.Components)
	}
	if c.Iterations < 1 {
		return errors.Errorf("iterations %d must be positive", c.Iterations)
	}
	lb, err := c.Builder()
	if err != nil {
		return err
	}
	l, err := lb.BuildLayout(0)
	if err != nil {
		return err
	}
	if err := c.Params().Validate(l); err != nil {
		return err
	}
	switch c.Transport.Mode {
	case ModeLocal:
	case ModeWS:
		if len(c.Transport.Peers) != l.NumNodes {
			return errors.Errorf("transport lists %d peers for %d nodes", len(c.Transport.Peers), l.NumNodes)
		}
	default:
		return errors.Errorf("unknown transport mode %q", c.Transport.Mode)
	}
	return nil
}
