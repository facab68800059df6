// Package config decodes the YAML device configuration consumed by
// cmd/virtiomon (§6's "configuration" ambient concern). Grounded on
// gopkg.in/yaml.v2, the config library the pack's pgscv example uses,
// replacing the teacher's hand-rolled command-line flags with a single
// struct describing one or more devices.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// DeviceConfig is the top-level YAML document: zero or one block
// device, zero or one network device, sharing one guest memory image.
type DeviceConfig struct {
	MemoryMB int          `yaml:"memory_mb"`
	Block    *BlockConfig `yaml:"block,omitempty"`
	Network  *NetConfig   `yaml:"network,omitempty"`
	Legacy   LegacyConfig `yaml:"legacy"`
}

// BlockConfig names the backing file and the serial string reported
// to VIRTIO_BLK_T_GET_ID.
type BlockConfig struct {
	Path   string `yaml:"path"`
	Serial string `yaml:"serial"`
}

// NetConfig names the TAP interface (or "netstack" for the embedded
// userspace stack) and queue-pair count.
type NetConfig struct {
	MAC        string `yaml:"mac"`
	Mode       string `yaml:"mode"` // "tap" or "netstack"
	Interface  string `yaml:"interface"`
	QueuePairs int    `yaml:"queue_pairs"`
	Vhost      bool   `yaml:"vhost"`
}

// LegacyConfig is the legacy-transport placement: I/O port base and
// IRQ line for each configured device.
type LegacyConfig struct {
	BlockIOBase uint64 `yaml:"block_io_base"`
	NetIOBase   uint64 `yaml:"net_io_base"`
	BlockIRQ    uint8  `yaml:"block_irq"`
	NetIRQ      uint8  `yaml:"net_irq"`
}

// Load reads and decodes the YAML document at path.
func Load(path string) (*DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg DeviceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if cfg.Network != nil && cfg.Network.QueuePairs == 0 {
		cfg.Network.QueuePairs = 1
	}

	return &cfg, nil
}
