// Package config reads machine configuration files.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Machine describes an emulated machine. Image fields accept local paths
// or http(s) URLs; the CLI resolves them before boot.
type Machine struct {
	Name string `yaml:"name,omitempty"`

	MemoryMB uint32 `yaml:"memoryMB,omitempty"`
	CPUs     int    `yaml:"cpus,omitempty"`

	Kernel  string `yaml:"kernel"`
	DTB     string `yaml:"dtb,omitempty"`
	Initrd  string `yaml:"initrd,omitempty"`
	Cmdline string `yaml:"cmdline,omitempty"`
}

// DefaultMemoryMB is the RAM size used when the config does not set one.
const DefaultMemoryMB = 512

func (m *Machine) normalize() {
	if m.MemoryMB == 0 {
		m.MemoryMB = DefaultMemoryMB
	}
	if m.CPUs == 0 {
		m.CPUs = 1
	}
}

// Load reads and validates a machine config file.
func Load(path string) (Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Machine{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a machine config document.
func Parse(data []byte) (Machine, error) {
	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Machine{}, fmt.Errorf("config: parse: %w", err)
	}
	if m.Kernel == "" {
		return Machine{}, fmt.Errorf("config: kernel image is required")
	}
	m.normalize()
	return m, nil
}
