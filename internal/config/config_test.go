package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultMatchesSpec(t *testing.T) {
	c := Default()
	if c.RDMAMemSize != 8<<30 {
		t.Errorf("RDMAMemSize = %d, want 8 GiB", c.RDMAMemSize)
	}
	if c.RDMAPort != 5200 {
		t.Errorf("RDMAPort = %d, want 5200", c.RDMAPort)
	}
	if c.RDMAMaxWR != 4096 {
		t.Errorf("RDMAMaxWR = %d, want 4096", c.RDMAMaxWR)
	}
	if c.SequencerPort != 5600 {
		t.Errorf("SequencerPort = %d, want 5600", c.SequencerPort)
	}
	if c.RDMAGetNodeIDRetries != 5 {
		t.Errorf("RDMAGetNodeIDRetries = %d, want 5", c.RDMAGetNodeIDRetries)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "RDMA.conf")
	if err := os.WriteFile(confPath, []byte("RDMA_PORT=6100\nRDMA_MAX_WR=128\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("RDMA_MAX_WR", "256")

	cfg, err := Load(confPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RDMAPort != 6100 {
		t.Errorf("RDMAPort from file = %d, want 6100", cfg.RDMAPort)
	}
	if cfg.RDMAMaxWR != 256 {
		t.Errorf("env should override file: RDMAMaxWR = %d, want 256", cfg.RDMAMaxWR)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	if err != nil {
		t.Fatalf("Load on missing file should not error, got %v", err)
	}
	if cfg.RDMAPort != 5200 {
		t.Errorf("expected default RDMAPort, got %d", cfg.RDMAPort)
	}
}

func TestServerAddressesSplit(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "RDMA.conf")
	if err := os.WriteFile(confPath, []byte("RDMA_SERVER_ADDRESSES=10.0.0.1:5200,10.0.0.2:5200\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(confPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.RDMAServerAddresses) != 2 {
		t.Fatalf("expected 2 server addresses, got %v", cfg.RDMAServerAddresses)
	}
}
