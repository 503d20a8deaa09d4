package vmm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// guestRAMLimit keeps RAM below the MMIO windows; larger guests need
// a split layout around the MMIO hole.
// TODO: split RAM around the low MMIO window for guests over 3GB.
const guestRAMLimit = 0xc000_0000

// Config describes one machine. Sizes are in bytes.
type Config struct {
	Name       string       `yaml:"name"`
	MemorySize uint64       `yaml:"memory_size"`
	VCPUs      int          `yaml:"vcpus"`
	Serial     bool         `yaml:"serial"`
	Disks      []DiskConfig `yaml:"disks"`
}

// DiskConfig attaches one virtio-blk device backed by a host file.
type DiskConfig struct {
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"read_only"`
	Serial   string `yaml:"serial"`
}

// ParseConfig decodes a YAML machine config, rejecting unknown fields.
func ParseConfig(data []byte) (Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse machine config: %w", err)
	}

	if cfg.Name == "" {
		cfg.Name = "machine"
	}
	if cfg.VCPUs == 0 {
		cfg.VCPUs = 1
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML machine config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read machine config: %w", err)
	}
	return ParseConfig(data)
}

func (c Config) validate() error {
	if c.MemorySize == 0 {
		return fmt.Errorf("config %q: memory_size is required", c.Name)
	}
	if c.MemorySize > guestRAMLimit {
		return fmt.Errorf("config %q: memory_size 0x%x exceeds the 3GB layout limit", c.Name, c.MemorySize)
	}
	if c.VCPUs < 1 {
		return fmt.Errorf("config %q: vcpus must be at least 1", c.Name)
	}
	for i, d := range c.Disks {
		if d.Path == "" {
			return fmt.Errorf("config %q: disk %d has no path", c.Name, i)
		}
	}
	return nil
}
