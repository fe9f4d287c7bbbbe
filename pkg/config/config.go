// Package config loads the typed configuration shared by the binaries.
//
// Precedence, lowest first: compiled defaults, an optional YAML file, an
// optional .env file, then process environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration.
type Config struct {
	Qdrant    Qdrant    `yaml:"qdrant"`
	Embedding Embedding `yaml:"embedding"`
	OpenAI    OpenAI    `yaml:"openai"`
	Layout    Layout    `yaml:"layout"`
	Storage   Storage   `yaml:"storage"`
	NATS      NATS      `yaml:"nats"`
	Neo4j     Neo4j     `yaml:"neo4j"`
	Redis     Redis     `yaml:"redis"`
	Chunk     Chunk     `yaml:"chunk"`
	Retrieval Retrieval `yaml:"retrieval"`
	Callback  Callback  `yaml:"callback"`
	Ingest    Ingest    `yaml:"ingest"`
	Log       Log       `yaml:"log"`
	HTTP      HTTP      `yaml:"http"`
}

type Qdrant struct {
	Addr       string `yaml:"addr"`
	APIKey     string `yaml:"api_key"`
	TLS        bool   `yaml:"tls"`
	Collection string `yaml:"collection"`
	Dimensions int    `yaml:"dimensions"`
	BatchSize  int    `yaml:"batch_size"`
}

// Embedding selects the dense embedding provider.
type Embedding struct {
	// Provider is "openai" or "ollama".
	Provider    string  `yaml:"provider"`
	OllamaURL   string  `yaml:"ollama_url"`
	OllamaModel string  `yaml:"ollama_model"`
	BatchSize   int     `yaml:"batch_size"`
	RatePerSec  float64 `yaml:"rate_per_sec"`
	Burst       int     `yaml:"burst"`
}

type OpenAI struct {
	APIKey              string        `yaml:"api_key"`
	BaseURL             string        `yaml:"base_url"`
	Azure               bool          `yaml:"azure"`
	APIVersion          string        `yaml:"api_version"`
	EmbeddingModel      string        `yaml:"embedding_model"`
	EmbeddingDeployment string        `yaml:"embedding_deployment"`
	Dimensions          int           `yaml:"dimensions"`
	ChatModel           string        `yaml:"chat_model"`
	ChatDeployment      string        `yaml:"chat_deployment"`
	MaxTokens           int           `yaml:"max_tokens"`
	Timeout             time.Duration `yaml:"timeout"`
}

type Layout struct {
	Endpoint     string        `yaml:"endpoint"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	APIVersion   string        `yaml:"api_version"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

type Storage struct {
	Endpoint    string        `yaml:"endpoint"`
	AccessKey   string        `yaml:"access_key"`
	SecretKey   string        `yaml:"secret_key"`
	Region      string        `yaml:"region"`
	Bucket      string        `yaml:"bucket"`
	Secure      bool          `yaml:"secure"`
	ImagePrefix string        `yaml:"image_prefix"`
	PresignTTL  time.Duration `yaml:"presign_ttl"`
}

type NATS struct {
	URL        string `yaml:"url"`
	Subject    string `yaml:"subject"`
	DLQSubject string `yaml:"dlq_subject"`
	Queue      string `yaml:"queue"`
	MaxRetries int    `yaml:"max_retries"`
}

// Neo4j configures the file catalog. An empty URL disables it.
type Neo4j struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// Redis configures job dedup. An empty Addr disables it.
type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	ClaimTTL time.Duration `yaml:"claim_ttl"`
	DoneTTL  time.Duration `yaml:"done_ttl"`
}

type Chunk struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

type Retrieval struct {
	Limit           int           `yaml:"limit"`
	Prefetch        int           `yaml:"prefetch"`
	RRFK            float64       `yaml:"rrf_k"`
	Threshold       float64       `yaml:"threshold"`
	ServerFusion    bool          `yaml:"server_fusion"`
	ServerThreshold float64       `yaml:"server_threshold"`
	SearchTimeout   time.Duration `yaml:"search_timeout"`
	FrontendURL     string        `yaml:"frontend_url"`
}

// Callback configures status notifications. An empty BaseURL disables them.
type Callback struct {
	BaseURL  string        `yaml:"base_url"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
	Attempts int           `yaml:"attempts"`
}

type Ingest struct {
	Workers         int           `yaml:"workers"`
	DescribeWorkers int           `yaml:"describe_workers"`
	MaxFileBytes    int64         `yaml:"max_file_bytes"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	MergeMaxGap     int           `yaml:"merge_max_gap"`
	MergeRightCover float64       `yaml:"merge_right_cover"`
	MergeLeftCover  float64       `yaml:"merge_left_cover"`
	DescribeRate    float64       `yaml:"describe_rate"`
	// LocalRoot enables file:// job URLs under this directory. It is set by
	// the one-shot local run and left empty for queue workers.
	LocalRoot string `yaml:"-"`
}

type Log struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

type HTTP struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	CORSOrigin  string `yaml:"cors_origin"`
	// AuthToken guards destructive routes. Empty disables the check.
	AuthToken string `yaml:"auth_token"`
}

// Default returns the compiled defaults.
func Default() Config {
	return Config{
		Qdrant: Qdrant{Addr: "localhost:6334", Collection: "knowledge", Dimensions: 3072, BatchSize: 100},
		Embedding: Embedding{
			Provider:    "openai",
			OllamaURL:   "http://localhost:11434",
			OllamaModel: "nomic-embed-text",
			BatchSize:   16,
			RatePerSec:  5,
			Burst:       5,
		},
		OpenAI: OpenAI{
			APIVersion:     "2024-06-01",
			EmbeddingModel: "text-embedding-3-large",
			Dimensions:     3072,
			ChatModel:      "gpt-4o",
			MaxTokens:      1000,
			Timeout:        2 * time.Minute,
		},
		Layout:  Layout{Model: "prebuilt-layout", APIVersion: "2024-11-30", PollInterval: 2 * time.Second, Timeout: time.Hour},
		Storage: Storage{Region: "us-east-1", Bucket: "knowledge", ImagePrefix: "images", PresignTTL: time.Hour},
		NATS: NATS{
			URL:        "nats://localhost:4222",
			Subject:    "kb.ingest.jobs",
			DLQSubject: "kb.ingest.dlq",
			Queue:      "kb-ingest",
			MaxRetries: 3,
		},
		Neo4j:     Neo4j{User: "neo4j", Database: "neo4j"},
		Redis:     Redis{Prefix: "kb:ingest:", ClaimTTL: 2 * time.Hour, DoneTTL: 7 * 24 * time.Hour},
		Chunk:     Chunk{Size: 1000, Overlap: 100},
		Retrieval: Retrieval{Limit: 3, Prefetch: 3, RRFK: 1, Threshold: 0.4, ServerThreshold: 0.4, SearchTimeout: 10 * time.Second},
		Callback:  Callback{Timeout: 10 * time.Second, Attempts: 3},
		Ingest: Ingest{
			Workers:         2,
			DescribeWorkers: 4,
			MaxFileBytes:    200 << 20,
			DownloadTimeout: 10 * time.Minute,
			MergeMaxGap:     2,
			MergeRightCover: 0.99,
			MergeLeftCover:  0.01,
			DescribeRate:    2,
		},
		Log:  Log{Level: "info", Format: "json"},
		HTTP: HTTP{Addr: ":8080", MetricsAddr: ":9091"},
	}
}

// Load builds the configuration. path and envFile may be empty; a missing
// envFile is not an error.
func Load(path, envFile string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("config: load %s: %w", envFile, err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	var errs []error
	if c.Qdrant.Collection == "" {
		errs = append(errs, errors.New("qdrant.collection is required"))
	}
	if c.Chunk.Size <= 0 || c.Chunk.Overlap < 0 || c.Chunk.Overlap >= c.Chunk.Size {
		errs = append(errs, fmt.Errorf("chunk: need 0 <= overlap < size, got size=%d overlap=%d", c.Chunk.Size, c.Chunk.Overlap))
	}
	switch c.Embedding.Provider {
	case "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("embedding.provider %q is not openai or ollama", c.Embedding.Provider))
	}
	if c.Retrieval.Limit <= 0 {
		errs = append(errs, errors.New("retrieval.limit must be positive"))
	}
	if c.NATS.MaxRetries < 0 {
		errs = append(errs, errors.New("nats.max_retries must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// NewLogger builds the process logger from the Log section.
func (l Log) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func applyEnv(c *Config) error {
	e := &envReader{}

	e.str(&c.Qdrant.Addr, "QDRANT_ADDR")
	e.str(&c.Qdrant.APIKey, "QDRANT_API_KEY")
	e.boolean(&c.Qdrant.TLS, "QDRANT_TLS")
	e.str(&c.Qdrant.Collection, "QDRANT_COLLECTION")
	e.integer(&c.Qdrant.Dimensions, "QDRANT_DIMENSIONS")

	e.str(&c.Embedding.Provider, "EMBEDDING_PROVIDER")
	e.str(&c.Embedding.OllamaURL, "OLLAMA_URL")
	e.str(&c.Embedding.OllamaModel, "OLLAMA_MODEL")
	e.float(&c.Embedding.RatePerSec, "EMBEDDING_RATE")

	e.str(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	e.str(&c.OpenAI.BaseURL, "OPENAI_BASE_URL")
	e.boolean(&c.OpenAI.Azure, "OPENAI_AZURE")
	e.str(&c.OpenAI.APIVersion, "OPENAI_API_VERSION")
	e.str(&c.OpenAI.EmbeddingModel, "OPENAI_EMBEDDING_MODEL")
	e.str(&c.OpenAI.EmbeddingDeployment, "OPENAI_EMBEDDING_DEPLOYMENT")
	e.str(&c.OpenAI.ChatModel, "OPENAI_CHAT_MODEL")
	e.str(&c.OpenAI.ChatDeployment, "OPENAI_CHAT_DEPLOYMENT")

	e.str(&c.Layout.Endpoint, "LAYOUT_ENDPOINT")
	e.str(&c.Layout.APIKey, "LAYOUT_API_KEY")
	e.duration(&c.Layout.Timeout, "LAYOUT_TIMEOUT")

	e.str(&c.Storage.Endpoint, "S3_ENDPOINT")
	e.str(&c.Storage.AccessKey, "S3_ACCESS_KEY")
	e.str(&c.Storage.SecretKey, "S3_SECRET_KEY")
	e.str(&c.Storage.Region, "S3_REGION")
	e.str(&c.Storage.Bucket, "S3_BUCKET")
	e.boolean(&c.Storage.Secure, "S3_SECURE")
	e.str(&c.Storage.ImagePrefix, "S3_IMAGE_PREFIX")

	e.str(&c.NATS.URL, "NATS_URL")
	e.str(&c.NATS.Subject, "NATS_SUBJECT")
	e.str(&c.NATS.DLQSubject, "NATS_DLQ_SUBJECT")
	e.integer(&c.NATS.MaxRetries, "NATS_MAX_RETRIES")

	e.str(&c.Neo4j.URL, "NEO4J_URL")
	e.str(&c.Neo4j.User, "NEO4J_USER")
	e.str(&c.Neo4j.Password, "NEO4J_PASS")

	e.str(&c.Redis.Addr, "REDIS_ADDR")
	e.str(&c.Redis.Password, "REDIS_PASSWORD")
	e.integer(&c.Redis.DB, "REDIS_DB")

	e.integer(&c.Chunk.Size, "CHUNK_SIZE")
	e.integer(&c.Chunk.Overlap, "CHUNK_OVERLAP")

	e.integer(&c.Retrieval.Limit, "RETRIEVAL_LIMIT")
	e.float(&c.Retrieval.Threshold, "RETRIEVAL_THRESHOLD")
	e.boolean(&c.Retrieval.ServerFusion, "RETRIEVAL_SERVER_FUSION")
	e.float(&c.Retrieval.ServerThreshold, "RETRIEVAL_SERVER_THRESHOLD")
	e.str(&c.Retrieval.FrontendURL, "FRONTEND_URL")

	e.str(&c.Callback.BaseURL, "BACKEND_URL")
	e.str(&c.Callback.Token, "BACKEND_TOKEN")

	e.integer(&c.Ingest.Workers, "INGEST_WORKERS")

	e.str(&c.Log.Level, "LOG_LEVEL")
	e.str(&c.Log.Format, "LOG_FORMAT")

	e.str(&c.HTTP.Addr, "HTTP_ADDR")
	e.str(&c.HTTP.MetricsAddr, "METRICS_ADDR")
	e.str(&c.HTTP.CORSOrigin, "CORS_ORIGIN")
	e.str(&c.HTTP.AuthToken, "API_TOKEN")

	if len(e.errs) > 0 {
		return fmt.Errorf("config: environment: %w", errors.Join(e.errs...))
	}
	return nil
}

// envReader overrides fields from set environment variables and collects
// parse errors.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) str(dst *string, key string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(dst *int, key string) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) float(dst *float64, key string) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(dst *bool, key string) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(dst *time.Duration, key string) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}
