package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/sheerbytes/resched/internal/scheduler"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestLoadPolicyFile(t *testing.T) {
	path := writePolicy(t, `
max_delayable_per_client: 4
max_delayable_per_host: 2
delayable_threshold: Medium
multiplexed_hosts:
  - cdn.test:443
  - api.test:443
`)
	pf, err := LoadPolicyFile(path)
	if err != nil {
		t.Fatalf("LoadPolicyFile() error = %v", err)
	}
	p, err := pf.Policy()
	if err != nil {
		t.Fatalf("Policy() error = %v", err)
	}
	want := scheduler.Policy{MaxDelayablePerClient: 4, MaxDelayablePerHost: 2, DelayableThreshold: scheduler.Medium}
	if p != want {
		t.Errorf("Policy() = %+v, want %+v", p, want)
	}
	if hosts := []string{"cdn.test:443", "api.test:443"}; !reflect.DeepEqual(pf.MultiplexedHosts, hosts) {
		t.Errorf("MultiplexedHosts = %v, want %v", pf.MultiplexedHosts, hosts)
	}
}

func TestLoadPolicyFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "unknown key", body: "max_delayable: 3\n", wantErr: "parse policy file"},
		{name: "bad threshold", body: "delayable_threshold: urgent\n", wantErr: "unknown priority"},
		{name: "negative limit", body: "max_delayable_per_host: -1\n", wantErr: "must not be negative"},
		{name: "wrong type", body: "max_delayable_per_client: lots\n", wantErr: "parse policy file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPolicyFile(writePolicy(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadPolicyFile() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}

	if _, err := LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadPolicyFile(t.TempDir()); err == nil {
		t.Error("expected error for directory")
	}
}

func TestLoadPolicyFile_EmptyKeepsDefaults(t *testing.T) {
	pf, err := LoadPolicyFile(writePolicy(t, ""))
	if err != nil {
		t.Fatalf("LoadPolicyFile() error = %v", err)
	}
	p, err := pf.Policy()
	if err != nil {
		t.Fatalf("Policy() error = %v", err)
	}
	if p != (scheduler.Policy{}) {
		t.Errorf("Policy() = %+v, want zero policy", p)
	}
}

func TestServerConfig_ResolvePolicy(t *testing.T) {
	cfg := ServerConfig{
		PolicyFile:          writePolicy(t, "max_delayable_per_client: 4\nmax_delayable_per_host: 2\nmultiplexed_hosts: [cdn.test:443]\n"),
		MaxDelayablePerHost: 3,
		DelayableThreshold:  "lowest",
		MultiplexedHosts:    []string{"api.test:443"},
	}
	p, hosts, err := cfg.ResolvePolicy()
	if err != nil {
		t.Fatalf("ResolvePolicy() error = %v", err)
	}
	want := scheduler.Policy{MaxDelayablePerClient: 4, MaxDelayablePerHost: 3, DelayableThreshold: scheduler.Lowest}
	if p != want {
		t.Errorf("ResolvePolicy() = %+v, want %+v", p, want)
	}
	if want := []string{"cdn.test:443", "api.test:443"}; !reflect.DeepEqual(hosts, want) {
		t.Errorf("hosts = %v, want %v", hosts, want)
	}

	if _, _, err := (ServerConfig{DelayableThreshold: "nope"}).ResolvePolicy(); err == nil {
		t.Error("expected error for bad threshold")
	}
}
