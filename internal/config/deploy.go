// Package config loads the deployment description and resolves environment
// indirection for secrets and legacy-source paths.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/archilabs/archi/internal/types"
)

// Deployment is the parsed deployment description (YAML). It carries the
// static singleton, the dynamic-config seed values, and the database
// connection settings. Runtime settings changed by an admin are never
// overwritten from here; see the seeding rules in the postgres package.
type Deployment struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`

	Database struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Name     string `mapstructure:"name"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Embedding struct {
		Model      string `mapstructure:"model"`
		Dimensions int    `mapstructure:"dimensions"`
		Metric     string `mapstructure:"metric"`
	} `mapstructure:"embedding"`

	Chunking struct {
		Size    int `mapstructure:"size"`
		Overlap int `mapstructure:"overlap"`
	} `mapstructure:"chunking"`

	DataPath   string `mapstructure:"data_path"`
	Collection string `mapstructure:"collection"`

	Pipelines []string `mapstructure:"pipelines"`
	Models    []string `mapstructure:"models"`
	Providers []string `mapstructure:"providers"`

	Auth struct {
		Enabled             bool `mapstructure:"enabled"`
		SessionLifetimeDays int  `mapstructure:"session_lifetime_days"`
	} `mapstructure:"auth"`

	Defaults struct {
		Pipeline          string            `mapstructure:"pipeline"`
		Model             string            `mapstructure:"model"`
		Temperature       float64           `mapstructure:"temperature"`
		MaxTokens         int               `mapstructure:"max_tokens"`
		TopP              float64           `mapstructure:"top_p"`
		TopK              int               `mapstructure:"top_k"`
		RepetitionPenalty float64           `mapstructure:"repetition_penalty"`
		CondensePrompt    string            `mapstructure:"condense_prompt"`
		ChatPrompt        string            `mapstructure:"chat_prompt"`
		SystemPrompt      string            `mapstructure:"system_prompt"`
		NumDocuments      int               `mapstructure:"num_documents"`
		UseHybridSearch   bool              `mapstructure:"use_hybrid_search"`
		BM25Weight        float64           `mapstructure:"bm25_weight"`
		SemanticWeight    float64           `mapstructure:"semantic_weight"`
		BM25K1            float64           `mapstructure:"bm25_k1"`
		BM25B             float64           `mapstructure:"bm25_b"`
		Verbosity         string            `mapstructure:"verbosity"`
		IngestionSchedule map[string]string `mapstructure:"ingestion_schedule"`
	} `mapstructure:"defaults"`

	Legacy struct {
		CatalogPath string `mapstructure:"catalog_path"`
		VectorRoot  string `mapstructure:"vector_root"`
	} `mapstructure:"legacy"`
}

// Load reads and parses a deployment file.
func Load(path string) (*Deployment, error) {
	v := viper.New()
	v.SetConfigFile(path)

	applyDeployDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read deployment file %s: %w", path, err)
	}

	var d Deployment
	if err := v.Unmarshal(&d); err != nil {
		return nil, fmt.Errorf("parse deployment file %s: %w", path, err)
	}
	if d.Name == "" {
		return nil, fmt.Errorf("deployment file %s: name is required", path)
	}
	if d.Embedding.Model == "" || d.Embedding.Dimensions <= 0 {
		return nil, fmt.Errorf("deployment file %s: embedding model and dimensions are required", path)
	}
	return &d, nil
}

func applyDeployDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "prefer")
	v.SetDefault("embedding.metric", string(types.DistanceCosine))
	v.SetDefault("chunking.size", 512)
	v.SetDefault("chunking.overlap", 64)
	v.SetDefault("collection", "default")
	v.SetDefault("auth.session_lifetime_days", 30)
	v.SetDefault("defaults.temperature", 0.7)
	v.SetDefault("defaults.max_tokens", 1024)
	v.SetDefault("defaults.top_p", 1.0)
	v.SetDefault("defaults.top_k", 40)
	v.SetDefault("defaults.repetition_penalty", 1.0)
	v.SetDefault("defaults.num_documents", 5)
	v.SetDefault("defaults.use_hybrid_search", true)
	v.SetDefault("defaults.bm25_weight", 0.3)
	v.SetDefault("defaults.semantic_weight", 0.7)
	v.SetDefault("defaults.bm25_k1", 1.2)
	v.SetDefault("defaults.bm25_b", 0.75)
	v.SetDefault("defaults.verbosity", "info")
}

// DSN builds the pgx connection string. The password resolves through the
// environment (ARCHI_DB_PASSWORD or ARCHI_DB_PASSWORD_FILE) when the file
// leaves it empty, so deployments can keep credentials out of the YAML.
func (d *Deployment) DSN() string {
	password := d.Database.Password
	if password == "" {
		password = Getenv("ARCHI_DB_PASSWORD")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Database.User, password, d.Database.Host, d.Database.Port,
		d.Database.Name, d.Database.SSLMode)
}

// Static projects the deployment onto the static-config singleton.
func (d *Deployment) Static() types.StaticConfig {
	return types.StaticConfig{
		DeploymentName:      d.Name,
		ConfigVersion:       d.Version,
		DataPath:            d.DataPath,
		EmbeddingModel:      d.Embedding.Model,
		EmbeddingDimensions: d.Embedding.Dimensions,
		ChunkSize:           d.Chunking.Size,
		ChunkOverlap:        d.Chunking.Overlap,
		DistanceMetric:      types.DistanceMetric(d.Embedding.Metric),
		AvailablePipelines:  d.Pipelines,
		AvailableModels:     d.Models,
		AvailableProviders:  d.Providers,
		AuthEnabled:         d.Auth.Enabled,
		SessionLifetimeDays: d.Auth.SessionLifetimeDays,
	}
}

// Dynamic projects the deployment defaults onto the dynamic-config seed.
func (d *Deployment) Dynamic() (types.DynamicConfig, error) {
	schedule := d.Defaults.IngestionSchedule
	if schedule == nil {
		schedule = map[string]string{}
	}
	scheduleJSON, err := json.Marshal(schedule)
	if err != nil {
		return types.DynamicConfig{}, fmt.Errorf("encode ingestion schedule: %w", err)
	}

	dc := types.DynamicConfig{
		ActivePipeline:         d.Defaults.Pipeline,
		ActiveModel:            d.Defaults.Model,
		Temperature:            d.Defaults.Temperature,
		MaxTokens:              d.Defaults.MaxTokens,
		TopP:                   d.Defaults.TopP,
		TopK:                   d.Defaults.TopK,
		RepetitionPenalty:      d.Defaults.RepetitionPenalty,
		ActiveCondensePrompt:   d.Defaults.CondensePrompt,
		ActiveChatPrompt:       d.Defaults.ChatPrompt,
		ActiveSystemPrompt:     d.Defaults.SystemPrompt,
		NumDocumentsToRetrieve: d.Defaults.NumDocuments,
		UseHybridSearch:        d.Defaults.UseHybridSearch,
		BM25Weight:             d.Defaults.BM25Weight,
		SemanticWeight:         d.Defaults.SemanticWeight,
		BM25K1:                 d.Defaults.BM25K1,
		BM25B:                  d.Defaults.BM25B,
		IngestionSchedule:      string(scheduleJSON),
		Verbosity:              d.Defaults.Verbosity,
	}
	if d.Defaults.SystemPrompt != "" {
		sp := d.Defaults.SystemPrompt
		dc.SystemPrompt = &sp
	}
	return dc, nil
}

// Hash fingerprints the deployment for change detection. The scheduler uses
// it to decide whether a reload actually changes anything.
func (d *Deployment) Hash() string {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Sprintf("unhashable-%v", time.Now().UnixNano())
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
