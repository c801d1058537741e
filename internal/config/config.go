// Package config loads the worker configuration from a YAML file with
// environment-variable overrides for secrets. A .env file, if present, is
// loaded first so local runs behave like deployed ones.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the complete worker configuration.
type Config struct {
	Server struct {
		Port        int `yaml:"port"`
		MetricsPort int `yaml:"metrics_port"`
	} `yaml:"server"`

	Execution struct {
		Interpreter      string        `yaml:"interpreter"`
		DirectTimeout    time.Duration `yaml:"direct_timeout"`
		WorkspaceTimeout time.Duration `yaml:"workspace_timeout"`
		TaskDeadline     time.Duration `yaml:"task_deadline"`
		Limits           struct {
			CPUTimeSec    uint64 `yaml:"cpu_time_sec"`
			MemoryMB      uint64 `yaml:"memory_mb"`
			MaxProcesses  uint64 `yaml:"max_processes"`
			MaxFileSizeMB uint64 `yaml:"max_file_size_mb"`
		} `yaml:"limits"`
	} `yaml:"execution"`

	Firestore struct {
		ProjectID  string `yaml:"project_id"`
		Collection string `yaml:"collection"`
	} `yaml:"firestore"`

	R2 struct {
		AccountID       string `yaml:"account_id"`
		AccessKeyID     string `yaml:"-"`
		SecretAccessKey string `yaml:"-"`
		Bucket          string `yaml:"bucket"`
	} `yaml:"r2"`

	Qdrant struct {
		Host       string `yaml:"host"`
		Port       int    `yaml:"port"`
		UseTLS     bool   `yaml:"use_tls"`
		APIKey     string `yaml:"-"`
		Collection string `yaml:"collection"`
	} `yaml:"qdrant"`

	Models struct {
		GoogleAPIKey   string `yaml:"-"`
		EmbeddingModel string `yaml:"embedding_model"`
		EmbeddingDim   int    `yaml:"embedding_dim"`
		LLMModel       string `yaml:"llm_model"`
		CohereAPIKey   string `yaml:"-"`
		RerankModel    string `yaml:"rerank_model"`
		TopK           int    `yaml:"top_k"`
	} `yaml:"models"`

	Splitter struct {
		ChunkSize    int `yaml:"chunk_size"`
		ChunkOverlap int `yaml:"chunk_overlap"`
	} `yaml:"splitter"`
}

// Default returns the built-in configuration. Values mirror
// configs/default.yaml.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.Server.MetricsPort = 9090
	cfg.Execution.Interpreter = "python3"
	cfg.Execution.DirectTimeout = 10 * time.Second
	cfg.Execution.WorkspaceTimeout = 30 * time.Second
	cfg.Execution.TaskDeadline = 120 * time.Second
	cfg.Execution.Limits.CPUTimeSec = 5
	cfg.Execution.Limits.MemoryMB = 256
	cfg.Execution.Limits.MaxProcesses = 1
	cfg.Execution.Limits.MaxFileSizeMB = 10
	cfg.Firestore.Collection = "jobs"
	cfg.Qdrant.Host = "localhost"
	cfg.Qdrant.Port = 6334
	cfg.Qdrant.Collection = "code-vectors"
	cfg.Models.EmbeddingModel = "text-embedding-004"
	cfg.Models.EmbeddingDim = 768
	cfg.Models.LLMModel = "gemini-1.5-pro"
	cfg.Models.RerankModel = "rerank-english-v3.0"
	cfg.Models.TopK = 10
	cfg.Splitter.ChunkSize = 1000
	cfg.Splitter.ChunkOverlap = 200
	return cfg
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An absent file is not an error; the defaults plus
// environment carry a local run.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found, relying on process environment")
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.WithField("path", path).Warn("Config file not found, using defaults")
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv pulls secrets and deploy-time identifiers from the environment.
// Secrets never live in the YAML file.
func applyEnv(cfg *Config) {
	setIfPresent(&cfg.Firestore.ProjectID, "GCP_PROJECT_ID")
	setIfPresent(&cfg.R2.AccountID, "R2_ACCOUNT_ID")
	setIfPresent(&cfg.R2.AccessKeyID, "R2_ACCESS_KEY_ID")
	setIfPresent(&cfg.R2.SecretAccessKey, "R2_SECRET_ACCESS_KEY")
	setIfPresent(&cfg.R2.Bucket, "R2_BUCKET_NAME")
	setIfPresent(&cfg.Qdrant.APIKey, "QDRANT_API_KEY")
	setIfPresent(&cfg.Models.GoogleAPIKey, "GOOGLE_API_KEY")
	setIfPresent(&cfg.Models.CohereAPIKey, "COHERE_API_KEY")
}

func setIfPresent(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
