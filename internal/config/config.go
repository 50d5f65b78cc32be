package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Machine describes the virtual machine topology the interrupt
// subsystem is built for.
type Machine struct {
	Name string `yaml:"name,omitempty"`

	CPUs     int    `yaml:"cpus,omitempty"`
	MemoryMB uint64 `yaml:"memoryMB,omitempty"`

	// APICBase overrides the initial physical base of every local
	// APIC register bank. Must be 4 KiB aligned.
	APICBase uint64 `yaml:"apicBase,omitempty"`

	// TimerHz is the guest cycle frequency for the per-vCPU timer
	// driver. It is only defaulted and stored here: NewMachine does
	// not pass it on, and the timer driver counts cycles without
	// using a frequency.
	TimerHz uint64 `yaml:"timerHz,omitempty"`
}

func (m *Machine) normalize() {
	if m.Name == "" {
		m.Name = "vm"
	}
	if m.CPUs <= 0 {
		m.CPUs = 1
	}
	if m.MemoryMB == 0 {
		m.MemoryMB = 512
	}
	if m.APICBase == 0 {
		m.APICBase = 0xFEE00000
	}
	if m.TimerHz == 0 {
		m.TimerHz = 1_000_000_000
	}
}

// Validate checks constraints normalize cannot repair.
func (m *Machine) Validate() error {
	if m.APICBase%0x1000 != 0 {
		return fmt.Errorf("config: APIC base 0x%x is not 4 KiB aligned", m.APICBase)
	}
	if m.CPUs > 255 {
		return fmt.Errorf("config: %d CPUs exceeds the 8-bit identity space", m.CPUs)
	}
	return nil
}

// Load reads a machine config from a YAML file.
func Load(path string) (Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Machine{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a machine config from YAML bytes.
func Parse(data []byte) (Machine, error) {
	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Machine{}, fmt.Errorf("parse machine config: %w", err)
	}
	m.normalize()
	if err := m.Validate(); err != nil {
		return Machine{}, err
	}
	return m, nil
}

// Default returns the config used when no file is given.
func Default() Machine {
	var m Machine
	m.normalize()
	return m
}
