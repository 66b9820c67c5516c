package config_test

import (
	"testing"
	"time"

	"github.com/adwski/lanmeet/backend/config"
)

func TestDefault_SpecPorts(t *testing.T) {
	cfg := config.Default()
	if cfg.Ports.Control != 5000 || cfg.Ports.Video != 5001 || cfg.Ports.Audio != 5002 {
		t.Fatalf("unexpected default ports: %+v", cfg.Ports)
	}
	if cfg.Ports.ScreenControl != 5003 || cfg.Ports.ScreenData != 5004 || cfg.Ports.File != 5005 {
		t.Fatalf("unexpected default ports: %+v", cfg.Ports)
	}
	if cfg.Limits.MaxUsers != 10 {
		t.Fatalf("expected max_users 10, got %d", cfg.Limits.MaxUsers)
	}
	if cfg.Limits.MaxFileSize != 100<<20 {
		t.Fatalf("expected 100 MiB file limit, got %d", cfg.Limits.MaxFileSize)
	}
}

func TestDefault_AudioDerived(t *testing.T) {
	cfg := config.Default()
	if cfg.ChunkBytes() != 2048 {
		t.Fatalf("expected 2048 chunk bytes, got %d", cfg.ChunkBytes())
	}
	tick := cfg.MixTick()
	if tick < 20*time.Millisecond || tick > 25*time.Millisecond {
		t.Fatalf("expected ~23ms tick, got %v", tick)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load("/nonexistent/lanmeet.yaml"); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestDefault_AddrComposition(t *testing.T) {
	cfg := config.Default()
	cfg.BindAddr = "127.0.0.1"
	if got := cfg.ControlAddr(); got != "127.0.0.1:5000" {
		t.Fatalf("unexpected control addr %q", got)
	}
	if got := cfg.FileAddr(); got != "127.0.0.1:5005" {
		t.Fatalf("unexpected file addr %q", got)
	}
}
