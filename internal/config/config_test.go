package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rescale/cloudstore/internal/constants"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	if cfg.S3.Region != "us-east-1" {
		t.Errorf("expected default region us-east-1, got %s", cfg.S3.Region)
	}
	if cfg.Transfer.APIConcurrency != constants.DefaultAPIConcurrency {
		t.Errorf("expected APIConcurrency %d, got %d", constants.DefaultAPIConcurrency, cfg.Transfer.APIConcurrency)
	}
	if cfg.Transfer.MaxAttempts != constants.MaxAttempts {
		t.Errorf("expected MaxAttempts %d, got %d", constants.MaxAttempts, cfg.Transfer.MaxAttempts)
	}
	if !cfg.Transfer.Stubborn {
		t.Error("expected Stubborn to default to true")
	}
	if cfg.Keys.Directory == "" {
		t.Error("expected a default key directory")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Transfer.InternalConcurrency != constants.DefaultInternalConcurrency {
		t.Errorf("expected default InternalConcurrency, got %d", cfg.Transfer.InternalConcurrency)
	}
}

func TestLoadINI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	body := `[s3]
region = eu-west-1
endpoint = http://localhost:9000
path_style = true

[gcs]
endpoint = http://localhost:4443/storage/v1/
anonymous = true

[transfer]
api_concurrency = 32
internal_concurrency = 64
max_attempts = 4
stubborn = false
chunk_size = 8388608

[keys]
directory = ~/my-keys

[logging]
level = debug
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.S3.Region != "eu-west-1" || cfg.S3.Endpoint != "http://localhost:9000" || !cfg.S3.PathStyle {
		t.Errorf("unexpected s3 section: %+v", cfg.S3)
	}
	if !cfg.GCS.Anonymous || cfg.GCS.Endpoint != "http://localhost:4443/storage/v1/" {
		t.Errorf("unexpected gcs section: %+v", cfg.GCS)
	}
	if cfg.Transfer.APIConcurrency != 32 || cfg.Transfer.InternalConcurrency != 64 {
		t.Errorf("unexpected concurrency: %+v", cfg.Transfer)
	}
	if cfg.Transfer.MaxAttempts != 4 || cfg.Transfer.Stubborn {
		t.Errorf("unexpected retry settings: %+v", cfg.Transfer)
	}
	if cfg.Transfer.ChunkSize != 8<<20 {
		t.Errorf("expected chunk size 8MiB, got %d", cfg.Transfer.ChunkSize)
	}
	if strings.HasPrefix(cfg.Keys.Directory, "~") || !strings.HasSuffix(cfg.Keys.Directory, "my-keys") {
		t.Errorf("expected ~ to be expanded, got %s", cfg.Keys.Directory)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.Logging.Level)
	}
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte("[transfer\nbroken"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected an error for a malformed file")
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config")

	cfg := NewConfig()
	cfg.S3.Endpoint = "https://s3.example.com"
	cfg.GCS.CredentialsFile = "/etc/gcs.json"
	cfg.Transfer.MaxAttempts = 7
	cfg.Transfer.Stubborn = false
	cfg.Keys.Directory = "/srv/keys"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file was not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected mode 0600, got %o", perm)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.S3.Endpoint != cfg.S3.Endpoint {
		t.Errorf("S3.Endpoint: got %s, want %s", loaded.S3.Endpoint, cfg.S3.Endpoint)
	}
	if loaded.GCS.CredentialsFile != cfg.GCS.CredentialsFile {
		t.Errorf("GCS.CredentialsFile: got %s, want %s", loaded.GCS.CredentialsFile, cfg.GCS.CredentialsFile)
	}
	if loaded.Transfer.MaxAttempts != 7 || loaded.Transfer.Stubborn {
		t.Errorf("unexpected transfer section: %+v", loaded.Transfer)
	}
	if loaded.Keys.Directory != "/srv/keys" {
		t.Errorf("Keys.Directory: got %s", loaded.Keys.Directory)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{"defaults", func(*Config) {}, nil},
		{"zero api concurrency", func(c *Config) { c.Transfer.APIConcurrency = 0 }, ErrInvalidAPIConcurrency},
		{"huge api concurrency", func(c *Config) { c.Transfer.APIConcurrency = 513 }, ErrInvalidAPIConcurrency},
		{"zero internal concurrency", func(c *Config) { c.Transfer.InternalConcurrency = 0 }, ErrInvalidInternalConcurrency},
		{"zero attempts", func(c *Config) { c.Transfer.MaxAttempts = 0 }, ErrInvalidMaxAttempts},
		{"negative chunk", func(c *Config) { c.Transfer.ChunkSize = -1 }, ErrInvalidChunkSize},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, ErrInvalidLogLevel},
		{"upper-case level", func(c *Config) { c.Logging.Level = "WARN" }, nil},
		{"half credentials", func(c *Config) { c.S3.AccessKeyID = "AKIA" }, ErrIncompleteS3Credentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}
