// Package config loads docvault settings from a HuJSON file.
//
// The passphrase is never part of the file; callers pass it to
// docvault.OpenConfig separately.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/docvault/pkg/vault"
)

// FileName is the default config file name.
const FileName = "docvault.json"

// Store kinds.
const (
	StoreMemory   = "memory"
	StoreDir      = "dir"
	StoreS3       = "s3"
	StoreMinIO    = "minio"
	StoreDynamoDB = "dynamodb"
)

// Errors returned by [Load] and [Validate]; match them with [errors.Is].
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config")
)

// Config holds all configuration options.
type Config struct {
	Name             string   `json:"name"`
	KDFIterations    int      `json:"kdf_iterations,omitempty"`
	Compression      string   `json:"compression,omitempty"`
	AwaitFlush       bool     `json:"await_flush,omitempty"`
	FlushMinInterval Duration `json:"flush_min_interval,omitempty"`

	Log   Log   `json:"log"`
	Store Store `json:"store"`

	// Source is the file the config was read from, empty for defaults only.
	Source string `json:"-"`
}

// Log configures the process logger.
type Log struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"`
}

// Store selects and configures the blob store backend.
type Store struct {
	Kind     string   `json:"kind"`
	Dir      Dir      `json:"dir"`
	S3       S3       `json:"s3"`
	MinIO    MinIO    `json:"minio"`
	DynamoDB DynamoDB `json:"dynamodb"`
}

// Dir configures the local directory store.
type Dir struct {
	Path string `json:"path"`
}

// S3 configures the S3 store. Credentials come from the default AWS chain.
// Setting Endpoint switches to path-style addressing for S3-compatible
// servers.
type S3 struct {
	Bucket   string `json:"bucket"`
	Prefix   string `json:"prefix,omitempty"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// MinIO credentials may also come from MINIO_ACCESS_KEY and
// MINIO_SECRET_KEY, which take precedence over the file.
type MinIO struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	UseSSL    bool   `json:"use_ssl,omitempty"`
}

// DynamoDB configures the DynamoDB store. The table needs a string partition
// key "pk".
type DynamoDB struct {
	Table    string `json:"table"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string

	err := json.Unmarshal(b, &s)
	if err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	*d = Duration(v)

	return nil
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Name:          "docvault",
		KDFIterations: vault.DefaultIterations,
		Compression:   string(vault.CompressionNone),
		Log:           Log{Level: "info", Format: "auto"},
		Store:         Store{Kind: StoreMemory},
	}
}

// LoadInput holds the inputs for [Load].
type LoadInput struct {
	WorkDir      string            // directory searched for FileName; os.Getwd() if empty
	Path         string            // explicit config file; must exist when set
	NameOverride string            // replaces the configured store name when set
	Env          map[string]string // environment variables
}

// Load resolves configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Config file (explicit Path, else FileName in WorkDir if it exists)
// 3. Environment (DOCVAULT_LOG_LEVEL, MINIO_ACCESS_KEY, MINIO_SECRET_KEY)
// 4. Overrides from input.
func Load(input LoadInput) (Config, error) {
	cfg := Default()

	path, mustExist, err := resolvePath(input)
	if err != nil {
		return Config{}, err
	}

	data, err := os.ReadFile(path)

	switch {
	case err == nil:
		cfg, err = Parse(data, cfg)
		if err != nil {
			return Config{}, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
		}

		cfg.Source = path
	case os.IsNotExist(err) && !mustExist:
	case os.IsNotExist(err):
		return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
	default:
		return Config{}, fmt.Errorf("%w %s: %w", ErrConfigFileRead, path, err)
	}

	if v := input.Env["DOCVAULT_LOG_LEVEL"]; v != "" {
		cfg.Log.Level = v
	}

	if v := input.Env["MINIO_ACCESS_KEY"]; v != "" {
		cfg.Store.MinIO.AccessKey = v
	}

	if v := input.Env["MINIO_SECRET_KEY"]; v != "" {
		cfg.Store.MinIO.SecretKey = v
	}

	if input.NameOverride != "" {
		cfg.Name = input.NameOverride
	}

	err = Validate(cfg)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func resolvePath(input LoadInput) (string, bool, error) {
	workDir := input.WorkDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return "", false, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	if input.Path == "" {
		return filepath.Join(workDir, FileName), false, nil
	}

	if filepath.IsAbs(input.Path) {
		return input.Path, true, nil
	}

	return filepath.Join(workDir, input.Path), true, nil
}

// Parse decodes HuJSON (JSON with comments and trailing commas) over base.
// Fields absent from data keep their base values. Unknown fields are
// rejected.
func Parse(data []byte, base Config) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	cfg := base

	err = dec.Decode(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

// Validate checks cross-field constraints. Errors wrap [ErrConfigInvalid].
func Validate(cfg Config) error {
	var errs []error

	if cfg.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}

	if cfg.KDFIterations < vault.MinIterations {
		errs = append(errs, fmt.Errorf("kdf_iterations must be at least %d", vault.MinIterations))
	}

	switch vault.Compression(cfg.Compression) {
	case vault.CompressionNone, vault.CompressionZstd:
	default:
		errs = append(errs, fmt.Errorf("compression %q must be none or zstd", cfg.Compression))
	}

	if cfg.FlushMinInterval < 0 {
		errs = append(errs, errors.New("flush_min_interval must not be negative"))
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", cfg.Log.Level))
	}

	switch cfg.Log.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be auto, text or json", cfg.Log.Format))
	}

	s := cfg.Store

	switch s.Kind {
	case StoreMemory:
	case StoreDir:
		if s.Dir.Path == "" {
			errs = append(errs, errors.New("store.dir.path is required"))
		}
	case StoreS3:
		if s.S3.Bucket == "" {
			errs = append(errs, errors.New("store.s3.bucket is required"))
		}
	case StoreMinIO:
		if s.MinIO.Endpoint == "" || s.MinIO.Bucket == "" {
			errs = append(errs, errors.New("store.minio.endpoint and store.minio.bucket are required"))
		}
	case StoreDynamoDB:
		if s.DynamoDB.Table == "" {
			errs = append(errs, errors.New("store.dynamodb.table is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.kind %q is not one of memory, dir, s3, minio, dynamodb", s.Kind))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}

	return nil
}
