// Package config provides configuration management for cloudstore.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/rescale/cloudstore/internal/constants"
)

// Config is the client configuration. Values come from an INI file and are
// then overridden by command-line flags.
//
// Config file location:
//   - Windows: %USERPROFILE%\.config\cloudstore\config
//   - Unix: ~/.config/cloudstore/config
//
// INI format:
//
//	[s3]
//	region = us-east-1
//	endpoint = https://s3.example.com
//	path_style = false
//	access_key_id =
//	secret_access_key =
//	anonymous = false
//
//	[gcs]
//	endpoint =
//	credentials_file = /path/to/service-account.json
//	anonymous = false
//
//	[transfer]
//	api_concurrency = 10
//	internal_concurrency = 50
//	max_attempts = 15
//	stubborn = true
//	chunk_size = 0
//
//	[keys]
//	directory = ~/.cloudstore-keys
//
//	[http]
//	proxy = http://proxy:3128
//	no_proxy = localhost,10.0.0.0/8
//	disable_http2 = false
//
//	[logging]
//	level = info
//	log_file =
type Config struct {
	S3       S3Config
	GCS      GCSConfig
	Transfer TransferConfig
	Keys     KeysConfig
	HTTP     HTTPConfig
	Logging  LoggingConfig
}

// S3Config holds settings for S3-compatible endpoints.
type S3Config struct {
	Region    string `ini:"region"`
	Endpoint  string `ini:"endpoint"`
	PathStyle bool   `ini:"path_style"`
	// Static credentials; empty means the SDK default chain
	AccessKeyID     string `ini:"access_key_id"`
	SecretAccessKey string `ini:"secret_access_key"`
	Anonymous       bool   `ini:"anonymous"`
}

// GCSConfig holds settings for GCS endpoints.
type GCSConfig struct {
	Endpoint        string `ini:"endpoint"`
	CredentialsFile string `ini:"credentials_file"`
	// Anonymous skips credential lookup (emulators, public buckets)
	Anonymous bool `ini:"anonymous"`
}

// TransferConfig controls concurrency and retry behavior.
type TransferConfig struct {
	// APIConcurrency bounds parallel backend calls, and therefore parts in flight.
	// Default: 10
	APIConcurrency int `ini:"api_concurrency"`

	// InternalConcurrency bounds orchestration tasks (file I/O, encryption, retry waits).
	// Default: 50
	InternalConcurrency int `ini:"internal_concurrency"`

	// MaxAttempts is the per-operation attempt ceiling.
	// Default: 15
	MaxAttempts int `ini:"max_attempts"`

	// Stubborn retries client errors as well as transient ones.
	// Default: true
	Stubborn bool `ini:"stubborn"`

	// ChunkSize in bytes; 0 selects automatically from the file size.
	ChunkSize int64 `ini:"chunk_size"`
}

// KeysConfig locates the encryption key directory.
type KeysConfig struct {
	Directory string `ini:"directory"`
}

// HTTPConfig tunes the shared HTTP transport.
type HTTPConfig struct {
	Proxy        string `ini:"proxy"`
	NoProxy      string `ini:"no_proxy"`
	DisableHTTP2 bool   `ini:"disable_http2"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `ini:"level"`
	// File enables rotated file output in addition to the console
	File string `ini:"log_file"`
}

// Validation errors
var (
	ErrInvalidAPIConcurrency      = errors.New("api_concurrency must be between 1 and 512")
	ErrInvalidInternalConcurrency = errors.New("internal_concurrency must be between 1 and 1024")
	ErrInvalidMaxAttempts         = errors.New("max_attempts must be at least 1")
	ErrInvalidChunkSize           = errors.New("chunk_size must not be negative")
	ErrInvalidLogLevel            = errors.New("level must be one of debug, info, warn, error")
	ErrIncompleteS3Credentials    = errors.New("access_key_id and secret_access_key must be set together")
)

// DefaultConfigPath returns the default path for the config file.
// - Windows: %USERPROFILE%\.config\cloudstore\config
// - Unix: ~/.config/cloudstore/config
func DefaultConfigPath() (string, error) {
	var configDir string

	if runtime.GOOS == "windows" {
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return "", errors.New("USERPROFILE environment variable not set")
		}
		configDir = filepath.Join(userProfile, ".config", "cloudstore")
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config", "cloudstore")
	}

	return filepath.Join(configDir, "config"), nil
}

// DefaultKeyDirectory returns ~/.cloudstore-keys, falling back to a relative
// directory when the home directory cannot be determined.
func DefaultKeyDirectory() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cloudstore-keys"
	}
	return filepath.Join(home, ".cloudstore-keys")
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		S3: S3Config{
			Region: "us-east-1",
		},
		Transfer: TransferConfig{
			APIConcurrency:      constants.DefaultAPIConcurrency,
			InternalConcurrency: constants.DefaultInternalConcurrency,
			MaxAttempts:         constants.MaxAttempts,
			Stubborn:            true,
		},
		Keys: KeysConfig{
			Directory: DefaultKeyDirectory(),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from an INI file.
// If the file doesn't exist, returns a config with default values and no error.
// If the file exists but is invalid, returns an error.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return cfg, nil // Return defaults if we can't determine path
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	s3Section := iniFile.Section("s3")
	cfg.S3.Region = s3Section.Key("region").MustString(cfg.S3.Region)
	cfg.S3.Endpoint = s3Section.Key("endpoint").String()
	cfg.S3.PathStyle = s3Section.Key("path_style").MustBool(false)
	cfg.S3.AccessKeyID = s3Section.Key("access_key_id").String()
	cfg.S3.SecretAccessKey = s3Section.Key("secret_access_key").String()
	cfg.S3.Anonymous = s3Section.Key("anonymous").MustBool(false)

	gcsSection := iniFile.Section("gcs")
	cfg.GCS.Endpoint = gcsSection.Key("endpoint").String()
	cfg.GCS.CredentialsFile = gcsSection.Key("credentials_file").String()
	cfg.GCS.Anonymous = gcsSection.Key("anonymous").MustBool(false)

	transferSection := iniFile.Section("transfer")
	cfg.Transfer.APIConcurrency = transferSection.Key("api_concurrency").MustInt(cfg.Transfer.APIConcurrency)
	cfg.Transfer.InternalConcurrency = transferSection.Key("internal_concurrency").MustInt(cfg.Transfer.InternalConcurrency)
	cfg.Transfer.MaxAttempts = transferSection.Key("max_attempts").MustInt(cfg.Transfer.MaxAttempts)
	cfg.Transfer.Stubborn = transferSection.Key("stubborn").MustBool(cfg.Transfer.Stubborn)
	cfg.Transfer.ChunkSize = transferSection.Key("chunk_size").MustInt64(0)

	keysSection := iniFile.Section("keys")
	cfg.Keys.Directory = expandHome(keysSection.Key("directory").MustString(cfg.Keys.Directory))

	httpSection := iniFile.Section("http")
	cfg.HTTP.Proxy = httpSection.Key("proxy").String()
	cfg.HTTP.NoProxy = httpSection.Key("no_proxy").String()
	cfg.HTTP.DisableHTTP2 = httpSection.Key("disable_http2").MustBool(false)

	logSection := iniFile.Section("logging")
	cfg.Logging.Level = logSection.Key("level").MustString(cfg.Logging.Level)
	cfg.Logging.File = expandHome(logSection.Key("log_file").String())

	return cfg, nil
}

// Save writes configuration to an INI file.
// Creates parent directories if they don't exist.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()
	sections := []struct {
		name string
		v    interface{}
	}{
		{"s3", &cfg.S3},
		{"gcs", &cfg.GCS},
		{"transfer", &cfg.Transfer},
		{"keys", &cfg.Keys},
		{"http", &cfg.HTTP},
		{"logging", &cfg.Logging},
	}
	for _, s := range sections {
		if err := iniFile.Section(s.name).ReflectFrom(s.v); err != nil {
			return fmt.Errorf("failed to encode [%s]: %w", s.name, err)
		}
	}

	if err := iniFile.SaveTo(path); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return os.Chmod(path, 0600)
}

// Validate checks that the configuration values are usable.
func (cfg *Config) Validate() error {
	if cfg.Transfer.APIConcurrency < 1 || cfg.Transfer.APIConcurrency > 512 {
		return ErrInvalidAPIConcurrency
	}
	if cfg.Transfer.InternalConcurrency < 1 || cfg.Transfer.InternalConcurrency > 1024 {
		return ErrInvalidInternalConcurrency
	}
	if cfg.Transfer.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if cfg.Transfer.ChunkSize < 0 {
		return ErrInvalidChunkSize
	}
	if (cfg.S3.AccessKeyID == "") != (cfg.S3.SecretAccessKey == "") {
		return ErrIncompleteS3Credentials
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
