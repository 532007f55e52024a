package config

import (
	"os"
	"path/filepath"
	"testing"

	"socks5balancer/internal/shared/types"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadIni(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "balancer.ini", `
[common]
buffer_size = 4096

[log]
level = debug

[web]
port = 5010

[balance]
rule = loop
server_change_time = 5000

[check]
tcp_check_period = 60000
test_remote_host = www.example.com
test_remote_port = 443
`)

	cfg := new(types.Config)
	if err := LoadIni(cfg, path); err != nil {
		t.Fatal(err)
	}
	if cfg.CommonConf.BufferSize != 4096 {
		t.Errorf("buffer_size = %d", cfg.CommonConf.BufferSize)
	}
	if cfg.BalanceConf.Rule != "loop" {
		t.Errorf("rule = %q", cfg.BalanceConf.Rule)
	}
	if cfg.CheckConf.TcpCheckPeriod != 60000 {
		t.Errorf("tcp_check_period = %d", cfg.CheckConf.TcpCheckPeriod)
	}
	// untouched keys keep their defaults
	if cfg.CheckConf.AdditionCheckPeriod != 10*1000 {
		t.Errorf("addition_check_period default = %d", cfg.CheckConf.AdditionCheckPeriod)
	}
	if cfg.CheckConf.TestRemoteHost != "www.example.com" {
		t.Errorf("test_remote_host = %q", cfg.CheckConf.TestRemoteHost)
	}
}

func TestLoadIniMissingFile(t *testing.T) {
	cfg := new(types.Config)
	if err := LoadIni(cfg, filepath.Join(t.TempDir(), "nope.ini")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadIniRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "balancer.ini", `
[check]
test_remote_port = 99999
`)
	cfg := new(types.Config)
	if err := LoadIni(cfg, path); err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}

func TestLoadServers(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "servers.json", `{
  "listeners": [{"host": "127.0.0.1", "port": 1080}],
  "upstreams": [
    {"name": "local", "host": "127.0.0.1", "port": 11080},
    {"host": "10.0.0.7", "port": 11081, "disable": true}
  ]
}`)

	sf, err := LoadServers(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(sf.Listeners) != 1 || len(sf.Upstreams) != 2 {
		t.Fatalf("listeners=%d upstreams=%d", len(sf.Listeners), len(sf.Upstreams))
	}
	if sf.Upstreams[1].Name == "" {
		t.Error("missing upstream name was not defaulted")
	}
	if !sf.Upstreams[1].Disable {
		t.Error("disable flag lost")
	}
}

func TestLoadServersRejectsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "servers.json", `{"listeners": [], "upstreams": []}`)
	if _, err := LoadServers(path); err == nil {
		t.Fatal("expected error for empty listener list")
	}
}

func TestLoadServersRejectsBadUpstream(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "servers.json", `{
  "listeners": [{"host": "127.0.0.1", "port": 1080}],
  "upstreams": [{"name": "bad", "host": "", "port": 0}]
}`)
	if _, err := LoadServers(path); err == nil {
		t.Fatal("expected error for invalid upstream address")
	}
}
