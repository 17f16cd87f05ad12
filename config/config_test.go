package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadOverridesDefaults(t *testing.T) {
	input := `
[database]
driver = "postgres"
dsn = "postgres://u:p@db:5432/videos?sslmode=disable"

[index]
backend = "auto"
rebuild_on_start = true

[search]
default_limit = 25
`
	cfg, err := Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %q, want postgres", cfg.Database.Driver)
	}
	if !cfg.Index.RebuildOnStart || cfg.Index.Backend != "auto" {
		t.Errorf("Index = %+v, want auto with rebuild", cfg.Index)
	}
	if cfg.Search.DefaultLimit != 25 {
		t.Errorf("DefaultLimit = %d, want 25", cfg.Search.DefaultLimit)
	}
	// 未出现在文件中的字段保持默认值
	if cfg.Embedding.Dimension != 768 {
		t.Errorf("Dimension = %d, want default 768", cfg.Embedding.Dimension)
	}
	if cfg.Search.DefaultMinConfidence != 0.5 {
		t.Errorf("DefaultMinConfidence = %v, want 0.5", cfg.Search.DefaultMinConfidence)
	}
}

func TestReadRejectsMalformedTOML(t *testing.T) {
	if _, err := Read(strings.NewReader("[database\ndriver=")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ASR.Language != "zh" || cfg.ASR.BeamSize != 5 {
		t.Errorf("ASR defaults = %+v", cfg.ASR)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "videosearch.toml")
	if err := os.WriteFile(path, []byte("[embedding]\nmodel = \"from-file\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EMBEDDING_MODEL", "from-env")
	t.Setenv("POSTGRES_URL", "postgres://env/db")
	t.Setenv("GPU_ACCELERATION", "1")
	t.Setenv("API_KEY", "sk-test")
	t.Setenv("QUEUE_WORKERS", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Embedding.Model != "from-env" {
		t.Errorf("Embedding.Model = %q, want from-env", cfg.Embedding.Model)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://env/db" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if !cfg.Media.GPUAcceleration {
		t.Error("GPU_ACCELERATION=1 should enable acceleration")
	}
	if cfg.ASR.APIKey != "sk-test" {
		t.Errorf("ASR.APIKey should inherit API_KEY, got %q", cfg.ASR.APIKey)
	}
	if cfg.Queue.Workers != 7 {
		t.Errorf("Queue.Workers = %d, want 7", cfg.Queue.Workers)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr []string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name: "unknown drivers",
			mutate: func(c *Config) {
				c.Database.Driver = "mysql"
				c.Index.Backend = "faiss"
				c.Queue.Driver = "kafka"
			},
			wantErr: []string{"database.driver", "index.backend", "queue.driver"},
		},
		{
			name: "openai asr without key",
			mutate: func(c *Config) {
				c.ASR.Provider = "openai"
				c.ASR.APIKey = ""
			},
			wantErr: []string{"asr.api_key"},
		},
		{
			name: "non-positive numbers",
			mutate: func(c *Config) {
				c.Embedding.Dimension = 0
				c.Search.DefaultLimit = -1
				c.Queue.Workers = 0
			},
			wantErr: []string{"embedding.dimension", "search.default_limit", "queue.workers"},
		},
		{
			name: "bad durations",
			mutate: func(c *Config) {
				c.Server.SearchTimeout = "soon"
			},
			wantErr: []string{"server.search_timeout"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %q", err, want)
				}
			}
		})
	}
}

func TestWriteRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Embedding.Dimension = 1536
	cfg.Queue.Driver = "amqp"

	var buf bytes.Buffer
	if err := Write(&buf, cfg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Embedding.Dimension != 1536 || got.Queue.Driver != "amqp" || !got.Index.RebuildOnStart {
		t.Errorf("round trip lost values: %+v", got)
	}
}
