package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kumomta/kumod-core/framework/cfgparser"
	"github.com/kumomta/kumod-core/internal/dispatcher"
)

func parseNodes(t *testing.T, str string) []cfgparser.Node {
	t.Helper()
	nodes, err := cfgparser.Read(strings.NewReader(str), "literal")
	if err != nil {
		t.Fatalf("cfgparser.Read: %v", err)
	}
	return nodes
}

func TestBindPathDefaults(t *testing.T) {
	nodes := parseNodes(t, `
		path_defaults {
			tls_policy required
			connect_timeout 10s
			batch_size 50
			connection_rate_throttle 10 1s
			message_rate_throttle 100 1m
			additional_connection_limit total_outbound 500
		}`)

	cfg := defaultConfig()
	globals := map[string]interface{}{}
	if err := bindPathDefaults(globals, nodes[0], &cfg.PathDefaults); err != nil {
		t.Fatalf("bindPathDefaults: %v", err)
	}

	if cfg.PathDefaults.TLSPolicy != dispatcher.TLSRequired {
		t.Errorf("TLSPolicy = %v, want TLSRequired", cfg.PathDefaults.TLSPolicy)
	}
	if cfg.PathDefaults.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want 10s", cfg.PathDefaults.ConnectTimeout)
	}
	if cfg.PathDefaults.BatchSize != 50 {
		t.Errorf("BatchSize = %v, want 50", cfg.PathDefaults.BatchSize)
	}
	if cfg.PathDefaults.ConnRateThrottle == nil || cfg.PathDefaults.ConnRateThrottle.Limit != 10 {
		t.Errorf("ConnRateThrottle = %+v, want limit 10", cfg.PathDefaults.ConnRateThrottle)
	}
	if len(cfg.PathDefaults.MessageRateThrottles) != 1 || cfg.PathDefaults.MessageRateThrottles[0].Limit != 100 {
		t.Errorf("MessageRateThrottles = %+v, want one throttle with limit 100", cfg.PathDefaults.MessageRateThrottles)
	}
	if len(cfg.PathDefaults.AdditionalConnectionLimits) != 1 ||
		cfg.PathDefaults.AdditionalConnectionLimits[0].Name != "total_outbound" ||
		cfg.PathDefaults.AdditionalConnectionLimits[0].Max != 500 {
		t.Errorf("AdditionalConnectionLimits = %+v, want one lease total_outbound/500", cfg.PathDefaults.AdditionalConnectionLimits)
	}
}

func TestBindPathDefaultsRejectsUnknownDirective(t *testing.T) {
	nodes := parseNodes(t, `
		path_defaults {
			bogus_directive yes
		}`)

	cfg := defaultConfig()
	if err := bindPathDefaults(map[string]interface{}{}, nodes[0], &cfg.PathDefaults); err == nil {
		t.Fatal("expected an error for an unknown path_defaults directive")
	}
}

func TestParseConfigMemoryPressureFloorAndPool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kumod.conf")
	contents := `
		hostname mx.example.com
		memory_pressure_floor_kb 524288
		egress_pool default {
			source primary {
				weight 2
			}
		}`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	cfg, err := ParseConfig(path)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Hostname != "mx.example.com" {
		t.Errorf("Hostname = %q, want mx.example.com", cfg.Hostname)
	}
	if cfg.MemoryPressureFloorKB != 524288 {
		t.Errorf("MemoryPressureFloorKB = %d, want 524288", cfg.MemoryPressureFloorKB)
	}
	if cfg.DefaultPool != "default" {
		t.Errorf("DefaultPool = %q, want default (the only pool)", cfg.DefaultPool)
	}
	if _, ok := cfg.Pools["default"]; !ok {
		t.Fatal("expected a \"default\" egress pool to be registered")
	}
}

func TestParseConfigRejectsUnknownTopLevelDirective(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kumod.conf")
	if err := os.WriteFile(path, []byte("bogus_toplevel_directive 1\n"), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	if _, err := ParseConfig(path); err == nil {
		t.Fatal("expected an error for an unknown top-level directive")
	}
}
