package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestSetDefaults(t *testing.T) {
	var c ServerConfig
	c.SetDefaults()
	if c.Port != 8080 || c.MetricsAddr != ":8080" {
		t.Fatalf("port defaults: %d %q", c.Port, c.MetricsAddr)
	}
	if c.IdleTimeout.Std() != 5*time.Minute || c.SessionTimeout.Std() != 4*time.Hour {
		t.Fatalf("timeout defaults: %v %v", c.IdleTimeout, c.SessionTimeout)
	}
	if c.MaxConnections != 24 {
		t.Fatalf("max connections default: %d", c.MaxConnections)
	}
	be, ok := c.Backends["pyright"]
	if !ok || be.DrainFrames != 2 || be.AcceptsOptions {
		t.Fatalf("pyright backend: %+v", be)
	}
	cl, ok := c.Backends["clangd"]
	if !ok || !cl.AcceptsOptions || cl.ScratchFile != "compile_flags.txt" || cl.ScratchDirFlag != "--compile-commands-dir" {
		t.Fatalf("clangd backend: %+v", cl)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("METRICS_PORT", "9100")
	t.Setenv("IDLE_TIMEOUT", "90s")
	t.Setenv("MAX_CONNECTIONS", "8")
	t.Setenv("ALLOWED_ORIGINS", "https://ide.example.com, https://beta.example.com")

	var c ServerConfig
	c.SetDefaults()
	c.ApplyEnv()

	if c.Port != 9090 {
		t.Fatalf("port: %d", c.Port)
	}
	if c.MetricsAddr != ":9100" {
		t.Fatalf("metrics addr: %q", c.MetricsAddr)
	}
	if c.IdleTimeout.Std() != 90*time.Second {
		t.Fatalf("idle timeout: %v", c.IdleTimeout)
	}
	if c.MaxConnections != 8 {
		t.Fatalf("max connections: %d", c.MaxConnections)
	}
	if len(c.AllowedOrigins) != 2 || c.AllowedOrigins[1] != "https://beta.example.com" {
		t.Fatalf("origins: %v", c.AllowedOrigins)
	}
}

func TestLoadFile(t *testing.T) {
	yml := `
port: 7070
idle_timeout: 2m
backends:
  pyright:
    command: /opt/pyright/pyright-langserver
    args: ["--stdio"]
    drain_frames: 2
  gopls:
    command: gopls
`
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var c ServerConfig
	c.SetDefaults()
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Port != 7070 || c.IdleTimeout.Std() != 2*time.Minute {
		t.Fatalf("loaded: port=%d idle=%v", c.Port, c.IdleTimeout)
	}
	if c.Backends["pyright"].Command != "/opt/pyright/pyright-langserver" {
		t.Fatalf("pyright command: %q", c.Backends["pyright"].Command)
	}
	if _, ok := c.Backends["gopls"]; !ok {
		t.Fatal("gopls backend missing")
	}
}

func TestLoadFileMissing(t *testing.T) {
	var c ServerConfig
	if err := c.LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestDurationYAML(t *testing.T) {
	var c ServerConfig
	if err := yaml.Unmarshal([]byte("idle_timeout: 90\nsession_timeout: 1h30m\n"), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.IdleTimeout.Std() != 90*time.Second {
		t.Fatalf("numeric duration: %v", c.IdleTimeout.Std())
	}
	if c.SessionTimeout.Std() != 90*time.Minute {
		t.Fatalf("string duration: %v", c.SessionTimeout.Std())
	}

	var bad ServerConfig
	if err := yaml.Unmarshal([]byte("idle_timeout: soon\n"), &bad); err == nil {
		t.Fatal("expected error for junk duration")
	}
}
