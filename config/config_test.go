package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"github.com/go-virtio/virtio-core/config"
)

func TestLoadDecodesDeviceConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "vm.yaml")

	doc := `
memory_mb: 512
block:
  path: /tmp/disk.img
  serial: deadbeef
network:
  mac: "52:54:00:00:00:01"
  mode: tap
  interface: tap0
legacy:
  block_io_base: 0x6200
  net_io_base: 0x6300
  block_irq: 10
  net_irq: 11
`

	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MemoryMB != 512 {
		t.Fatalf("MemoryMB = %d, want 512", cfg.MemoryMB)
	}

	if cfg.Block == nil || cfg.Block.Path != "/tmp/disk.img" {
		t.Fatalf("Block = %+v", cfg.Block)
	}

	if cfg.Network == nil || cfg.Network.QueuePairs != 1 {
		t.Fatalf("Network.QueuePairs defaulted incorrectly: %+v", cfg.Network)
	}

	if cfg.Legacy.BlockIRQ != 10 || cfg.Legacy.NetIRQ != 11 {
		t.Fatalf("Legacy = %+v", cfg.Legacy)
	}

	want := &config.DeviceConfig{
		MemoryMB: 512,
		Block:    &config.BlockConfig{Path: "/tmp/disk.img", Serial: "deadbeef"},
		Network: &config.NetConfig{
			MAC: "52:54:00:00:00:01", Mode: "tap", Interface: "tap0", QueuePairs: 1,
		},
		Legacy: config.LegacyConfig{BlockIOBase: 0x6200, NetIOBase: 0x6300, BlockIRQ: 10, NetIRQ: 11},
	}

	if diff := pretty.Compare(cfg, want); diff != "" {
		t.Fatalf("decoded config differs from expected (-got +want):\n%s", diff)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := config.Load("/nonexistent/path.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
