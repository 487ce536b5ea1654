package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/docvault/internal/config"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)

	err := os.WriteFile(path, []byte(content), 0o600)
	if err != nil {
		t.Fatalf("write %s: %v", path, err)
	}

	return path
}

func Test_Load_Returns_Defaults_When_No_File(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(config.LoadInput{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if diff := cmp.Diff(config.Default(), cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func Test_Load_Merges_File_Over_Defaults_When_File_Has_Comments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, config.FileName, `{
		// snapshot settings
		"name": "notes",
		"compression": "zstd",
		"flush_min_interval": "250ms",
		"store": {
			"kind": "dir",
			"dir": {"path": "/var/lib/docvault"},
		},
	}`)

	cfg, err := config.Load(config.LoadInput{WorkDir: dir})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := config.Default()
	want.Name = "notes"
	want.Compression = "zstd"
	want.FlushMinInterval = config.Duration(250 * time.Millisecond)
	want.Store = config.Store{Kind: config.StoreDir, Dir: config.Dir{Path: "/var/lib/docvault"}}
	want.Source = path

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func Test_Load_Applies_Env_And_Overrides_After_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, config.FileName, `{
		"name": "from-file",
		"store": {"kind": "minio", "minio": {"endpoint": "localhost:9000", "bucket": "b", "access_key": "file"}}
	}`)

	cfg, err := config.Load(config.LoadInput{
		WorkDir:      dir,
		NameOverride: "override",
		Env: map[string]string{
			"DOCVAULT_LOG_LEVEL": "debug",
			"MINIO_ACCESS_KEY":   "env-key",
			"MINIO_SECRET_KEY":   "env-secret",
		},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Name != "override" || cfg.Log.Level != "debug" {
		t.Fatalf("name, level = %q, %q", cfg.Name, cfg.Log.Level)
	}

	if cfg.Store.MinIO.AccessKey != "env-key" || cfg.Store.MinIO.SecretKey != "env-secret" {
		t.Fatalf("minio credentials = %+v", cfg.Store.MinIO)
	}
}

func Test_Load_Returns_NotFound_When_Explicit_Path_Missing(t *testing.T) {
	t.Parallel()

	_, err := config.Load(config.LoadInput{WorkDir: t.TempDir(), Path: "missing.json"})
	if !errors.Is(err, config.ErrConfigFileNotFound) {
		t.Fatalf("err = %v, want ErrConfigFileNotFound", err)
	}
}

func Test_Load_Returns_ErrConfigInvalid_When_File_Is_Bad(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "syntax", content: `{"name": `},
		{name: "unknown field", content: `{"passphrase": "secret"}`},
		{name: "weak kdf", content: `{"kdf_iterations": 1000}`},
		{name: "bad compression", content: `{"compression": "gzip"}`},
		{name: "bad duration", content: `{"flush_min_interval": "soon"}`},
		{name: "bad store kind", content: `{"store": {"kind": "tape"}}`},
		{name: "dir without path", content: `{"store": {"kind": "dir"}}`},
		{name: "s3 without bucket", content: `{"store": {"kind": "s3"}}`},
		{name: "dynamodb without table", content: `{"store": {"kind": "dynamodb"}}`},
		{name: "bad log format", content: `{"log": {"format": "xml"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			writeFile(t, dir, config.FileName, tt.content)

			_, err := config.Load(config.LoadInput{WorkDir: dir})
			if !errors.Is(err, config.ErrConfigInvalid) {
				t.Fatalf("err = %v, want ErrConfigInvalid", err)
			}
		})
	}
}
