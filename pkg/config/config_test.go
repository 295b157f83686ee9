package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default("/opt/cellarman")

	if cfg.Cellar != filepath.Join("/opt/cellarman", "Cellar") {
		t.Errorf("Cellar = %s", cfg.Cellar)
	}
	if cfg.Caskroom != filepath.Join("/opt/cellarman", "Caskroom") {
		t.Errorf("Caskroom = %s", cfg.Caskroom)
	}
	if cfg.Cache.Backend != CacheBackendFile {
		t.Errorf("default cache backend = %s", cfg.Cache.Backend)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if cfg.Prefix == "" {
		t.Error("missing file should return defaults")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cellarman.toml")
	content := `
prefix = "/custom/prefix"
workers = 4
build_from_source = true

[cache]
backend = "redis"
redis_addr = "redis.internal:6379"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Prefix != "/custom/prefix" {
		t.Errorf("Prefix = %s", cfg.Prefix)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d", cfg.Workers)
	}
	if !cfg.BuildFromSource {
		t.Error("BuildFromSource not set")
	}
	if cfg.Cache.Backend != CacheBackendRedis {
		t.Errorf("Cache.Backend = %s", cfg.Cache.Backend)
	}
	if cfg.Cache.RedisAddr != "redis.internal:6379" {
		t.Errorf("Cache.RedisAddr = %s", cfg.Cache.RedisAddr)
	}
	// Unset fields keep their defaults.
	if cfg.DownloadTimeoutSeconds != 300 {
		t.Errorf("DownloadTimeoutSeconds = %d", cfg.DownloadTimeoutSeconds)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"empty prefix", func(c *Config) { c.Prefix = "" }, true},
		{"negative workers", func(c *Config) { c.Workers = -1 }, true},
		{"bad backend", func(c *Config) { c.Cache.Backend = "memcached" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default("/p")
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
