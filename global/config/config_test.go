package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"FlareIM/tools/errs"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FLARE_JWT_SECRET", "secret")
	dir := t.TempDir()
	path := filepath.Join(dir, "flare.yaml")
	if err := os.WriteFile(path, []byte("node_type: msgGateWay\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.HeartbeatTTL != 90*time.Second {
		t.Fatalf("expected heartbeat_ttl 90s, got %s", cfg.Session.HeartbeatTTL)
	}
	if cfg.Seq.IdempotencyWindow != 24*time.Hour {
		t.Fatalf("expected idempotency window 24h, got %s", cfg.Seq.IdempotencyWindow)
	}
	if cfg.Push.MaxAttempts != 5 || cfg.Push.BackoffBase != 250*time.Millisecond || cfg.Push.BackoffCap != 30*time.Second {
		t.Fatalf("unexpected push defaults: %+v", cfg.Push)
	}
	if cfg.Seq.LeaseDuration != 30*time.Second {
		t.Fatalf("expected lease 30s, got %s", cfg.Seq.LeaseDuration)
	}
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flare.yaml")
	if err := os.WriteFile(path, []byte(`
node_type: pushWorker
node_id: worker-7
session:
  heartbeat_ttl: 30s
push:
  max_attempts: 3
routes:
  gateways:
    gw1: "10.0.0.1:50051"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FLARE_PUSH_BACKOFF_CAP_MS", "5000")
	t.Setenv("FLARE_GATEWAYS", "gw2=10.0.0.2:50051")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.NodeType != NodeTypePushWorker || cfg.NodeID != "worker-7" {
		t.Fatalf("node identity not loaded: %s %s", cfg.NodeType, cfg.NodeID)
	}
	if cfg.Session.HeartbeatTTL != 30*time.Second {
		t.Fatalf("expected heartbeat 30s, got %s", cfg.Session.HeartbeatTTL)
	}
	if cfg.Push.MaxAttempts != 3 {
		t.Fatalf("expected max attempts 3, got %d", cfg.Push.MaxAttempts)
	}
	if cfg.Push.BackoffCap != 5*time.Second {
		t.Fatalf("expected env cap 5s, got %s", cfg.Push.BackoffCap)
	}
	if cfg.Routes.Gateways["gw1"] != "10.0.0.1:50051" || cfg.Routes.Gateways["gw2"] != "10.0.0.2:50051" {
		t.Fatalf("gateway routes not merged: %v", cfg.Routes.Gateways)
	}
}

func TestValidateRejectsUnknownNodeType(t *testing.T) {
	cfg := Default()
	cfg.NodeType = "nope"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestPresenceTTL(t *testing.T) {
	cfg := Default()
	cfg.Presence.TTL = 0
	if got := cfg.PresenceTTL(); got != 180*time.Second {
		t.Fatalf("heartbeat 90s should floor to 180s, got %s", got)
	}
	cfg.Session.HeartbeatTTL = 120 * time.Second
	if got := cfg.PresenceTTL(); got != 240*time.Second {
		t.Fatalf("expected 240s, got %s", got)
	}
}

func TestTenantDirectory(t *testing.T) {
	d := NewTenantDirectory(Default().Orchestrator, false)
	if _, ok := d.Resolve("t1"); ok {
		t.Fatalf("closed directory must reject unknown tenant")
	}
	if err := d.Apply([]byte(`{"tenants":{"t1":{"enabled":true,"max_payload":1}}}`)); errs.CodeOf(err) != errs.CodeInvalidArgument {
		t.Fatalf("typo in policy doc accepted: %v", err)
	}
	err := d.Apply([]byte(`{"tenants":{"t1":{"enabled":true,"max_payload_bytes":"128"},"t2":{"enabled":false}}}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	p, ok := d.Resolve("t1")
	if !ok || p.MaxPayloadBytes != 128 {
		t.Fatalf("expected t1 with 128 byte limit, got %+v ok=%v", p, ok)
	}
	if p.RatePerSec != Default().Orchestrator.TenantRPS {
		t.Fatalf("rate should inherit default, got %v", p.RatePerSec)
	}
	if _, ok := d.Resolve("t2"); ok {
		t.Fatalf("disabled tenant must not resolve")
	}
}
