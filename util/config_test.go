package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	return path
}

func TestConfigConstants(t *testing.T) {
	if Name != "boardfed" {
		t.Errorf("Expected Name 'boardfed', got '%s'", Name)
	}

	if ConfigFileName != "config.yaml" {
		t.Errorf("Expected ConfigFileName 'config.yaml', got '%s'", ConfigFileName)
	}
}

func TestReadConfWithYaml(t *testing.T) {
	path := writeConf(t, `
conf:
  host: 127.0.0.1
  httpPort: 8443
  sslDomain: board.example
  dbPath: /tmp/board.db
federation:
  domainPolicyMode: allowlist
  actorTTL: 2h
  deliveryInterval: 5s
  deliveryConcurrency: 3
`)

	config, err := ReadConf(path)
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}

	if config.Conf.Host != "127.0.0.1" {
		t.Errorf("Expected Host '127.0.0.1', got '%s'", config.Conf.Host)
	}
	if config.Conf.HttpPort != 8443 {
		t.Errorf("Expected HttpPort 8443, got %d", config.Conf.HttpPort)
	}
	if config.Conf.SslDomain != "board.example" {
		t.Errorf("Expected SslDomain 'board.example', got '%s'", config.Conf.SslDomain)
	}
	if config.Federation.DomainPolicyMode != "allowlist" {
		t.Errorf("Expected allowlist mode, got '%s'", config.Federation.DomainPolicyMode)
	}
	if config.Federation.ActorTTL != 2*time.Hour {
		t.Errorf("Expected ActorTTL 2h, got %v", config.Federation.ActorTTL)
	}
	if config.Federation.DeliveryInterval != 5*time.Second {
		t.Errorf("Expected DeliveryInterval 5s, got %v", config.Federation.DeliveryInterval)
	}
	if config.Federation.DeliveryConcurrency != 3 {
		t.Errorf("Expected DeliveryConcurrency 3, got %d", config.Federation.DeliveryConcurrency)
	}
}

func TestReadConfAppliesDefaults(t *testing.T) {
	path := writeConf(t, "conf:\n  sslDomain: board.example\n")

	config, err := ReadConf(path)
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}

	if config.Federation.MaxBodyBytes != 256*1024 {
		t.Errorf("Expected MaxBodyBytes 262144, got %d", config.Federation.MaxBodyBytes)
	}
	if config.Federation.DeliveryBatchSize != 50 {
		t.Errorf("Expected DeliveryBatchSize 50, got %d", config.Federation.DeliveryBatchSize)
	}
	if config.Federation.ActorTTL != 24*time.Hour {
		t.Errorf("Expected ActorTTL 24h, got %v", config.Federation.ActorTTL)
	}
	if config.Federation.DomainPolicyMode != "blocklist" {
		t.Errorf("Expected blocklist mode, got '%s'", config.Federation.DomainPolicyMode)
	}
}

func TestReadConfWithEnvOverrides(t *testing.T) {
	path := writeConf(t, `
conf:
  host: 127.0.0.1
  httpPort: 9999
  sslDomain: example.com
`)

	t.Setenv("BOARDFED_HOST", "192.168.1.1")
	t.Setenv("BOARDFED_HTTPPORT", "8080")
	t.Setenv("BOARDFED_SSLDOMAIN", "test.example.com")
	t.Setenv("BOARDFED_ALLOW_LOOPBACK", "true")
	t.Setenv("BOARDFED_DOMAIN_POLICY_MODE", "allowlist")

	config, err := ReadConf(path)
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}

	if config.Conf.Host != "192.168.1.1" {
		t.Errorf("Expected Host '192.168.1.1', got '%s'", config.Conf.Host)
	}
	if config.Conf.HttpPort != 8080 {
		t.Errorf("Expected HttpPort 8080, got %d", config.Conf.HttpPort)
	}
	if config.Conf.SslDomain != "test.example.com" {
		t.Errorf("Expected SslDomain 'test.example.com', got '%s'", config.Conf.SslDomain)
	}
	if !config.Conf.AllowLoopback {
		t.Error("Expected AllowLoopback to be true")
	}
	if config.Federation.DomainPolicyMode != "allowlist" {
		t.Errorf("Expected allowlist mode, got '%s'", config.Federation.DomainPolicyMode)
	}
}

func TestReadConfInvalidEnvPort(t *testing.T) {
	path := writeConf(t, "conf:\n  httpPort: 9999\n")
	t.Setenv("BOARDFED_HTTPPORT", "not-a-port")

	if _, err := ReadConf(path); err == nil {
		t.Error("Expected error for invalid BOARDFED_HTTPPORT")
	}
}

func TestReadConfMissingExplicitPath(t *testing.T) {
	if _, err := ReadConf(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing explicit config path")
	}
}

func TestDefaultConf(t *testing.T) {
	config := DefaultConf()

	if config.Conf.HttpPort != 9999 {
		t.Errorf("Expected HttpPort 9999, got %d", config.Conf.HttpPort)
	}
	if config.Conf.AllowLoopback {
		t.Error("Expected AllowLoopback to be false by default")
	}
	if config.Federation.PolicyReloadInterval != 30*time.Second {
		t.Errorf("Expected PolicyReloadInterval 30s, got %v", config.Federation.PolicyReloadInterval)
	}
}
