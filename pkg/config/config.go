package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Milvus    MilvusConfig
	Neo4j     Neo4jConfig
	LLM       LLMConfig
	Logging   LoggingConfig
	Matching  MatchingConfig
	Query     QueryConfig
	Outreach  OutreachConfig
	Synthesis SynthesisConfig
	Ledger    LedgerConfig
	Trust     TrustConfig
	Workers   WorkersConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled      bool
	Host         string
	Port         int
	Password     string
	DB           int
	EmbeddingTTL time.Duration
}

type MilvusConfig struct {
	Enabled        bool
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	// Prefilter bounds the candidate pool to the nearest N contacts before
	// scoring. Zero scores the whole active pool.
	Prefilter int
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type LLMConfig struct {
	Provider       string
	Model          string
	APIKey         string
	BaseURL        string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
	EmbeddingModel string
	EmbeddingDim   int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

type MatchingWeights struct {
	Similarity   float64
	Trust        float64
	Availability float64
	Recency      float64
}

type MatchingConfig struct {
	K                   int
	Weights             MatchingWeights
	MaxPerCluster       int
	BackfillClusters    bool
	WaveSize            int
	RecencyHalfLife     time.Duration
	ExcludeRecentWithin time.Duration
	// TagGroups maps a group name to its member tags. Used when neo4j is
	// disabled.
	TagGroups map[string][]string
}

type QueryConfig struct {
	DefaultTimeout   time.Duration
	MaxTimeout       time.Duration
	MinContributions int
	MinBudgetCents   int64
}

type OutreachConfig struct {
	Channels        []string
	RatePerSecond   map[string]float64
	Burst           int
	ContactCooldown time.Duration
	MaxAttempts     int
	InitialBackoff  time.Duration
	SendTimeout     time.Duration
	Concurrency     int
	QueueChannels   bool
}

type SynthesisConfig struct {
	Strictness              string
	MaxAttempts             int
	Timeout                 time.Duration
	PartialConfidenceFactor float64
	ExcerptLength           int
}

type LedgerConfig struct {
	ContributorPool     float64
	Platform            float64
	Referrer            float64
	UnusedPolicy        string
	AcknowledgmentCents int64
}

type TrustConfig struct {
	Enabled       bool
	LearningRate  float64
	ResponseAlpha float64
}

type WorkersConfig struct {
	Count     int
	QueueSize int
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/groupchat")

	return load(v, true)
}

// LoadFile reads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	return load(v, false)
}

func load(v *viper.Viper, optional bool) (*Config, error) {
	v.SetEnvPrefix("GROUPCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !optional || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	_ = v.Unmarshal(&config)
	return &config
}

// BasisPoints converts a ratio to integer basis points.
func BasisPoints(ratio float64) int64 {
	return int64(math.Round(ratio * 10000))
}

func (c *Config) Validate() error {
	var errs []error

	split := map[string]float64{
		"ledger.contributorPool": c.Ledger.ContributorPool,
		"ledger.platform":        c.Ledger.Platform,
		"ledger.referrer":        c.Ledger.Referrer,
	}
	for key, ratio := range split {
		if ratio < 0 || ratio > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", key, ratio))
		}
	}
	sum := BasisPoints(c.Ledger.ContributorPool) + BasisPoints(c.Ledger.Platform) + BasisPoints(c.Ledger.Referrer)
	if sum != 10000 {
		errs = append(errs, fmt.Errorf("ledger split must sum to 1.0, got %.4f", float64(sum)/10000))
	}

	switch c.Ledger.UnusedPolicy {
	case "zero", "flat":
	default:
		errs = append(errs, fmt.Errorf("ledger.unusedPolicy must be zero or flat, got %q", c.Ledger.UnusedPolicy))
	}
	if c.Ledger.AcknowledgmentCents < 0 {
		errs = append(errs, errors.New("ledger.acknowledgmentCents must not be negative"))
	}

	w := c.Matching.Weights
	if w.Similarity < 0 || w.Trust < 0 || w.Availability < 0 || w.Recency < 0 {
		errs = append(errs, errors.New("matching weights must not be negative"))
	}
	if c.Matching.K < 1 {
		errs = append(errs, errors.New("matching.k must be at least 1"))
	}
	if c.Matching.MaxPerCluster < 0 {
		errs = append(errs, errors.New("matching.maxPerCluster must not be negative"))
	}

	if c.Query.MinContributions < 1 {
		errs = append(errs, errors.New("query.minContributions must be at least 1"))
	}
	if c.Query.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("query.defaultTimeout must be positive"))
	}

	switch c.Synthesis.Strictness {
	case "drop", "mark":
	default:
		errs = append(errs, fmt.Errorf("synthesis.strictness must be drop or mark, got %q", c.Synthesis.Strictness))
	}
	if c.Synthesis.PartialConfidenceFactor <= 0 || c.Synthesis.PartialConfidenceFactor > 1 {
		errs = append(errs, errors.New("synthesis.partialConfidenceFactor must be within (0,1]"))
	}
	if c.Synthesis.Timeout <= 0 {
		errs = append(errs, errors.New("synthesis.timeout must be positive"))
	}
	if c.Outreach.SendTimeout <= 0 {
		errs = append(errs, errors.New("outreach.sendTimeout must be positive"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 1048576)

	v.SetDefault("sqlite.path", "./data/groupchat.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.embeddingTTL", 7*24*time.Hour)

	v.SetDefault("milvus.enabled", false)
	v.SetDefault("milvus.endpoint", "localhost:19530")
	v.SetDefault("milvus.collectionName", "contact_expertise")
	v.SetDefault("milvus.vectorDim", 1536)
	v.SetDefault("milvus.prefilter", 200)

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.maxTokens", 1024)
	v.SetDefault("llm.timeoutSec", 60)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.embeddingDim", 1536)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("matching.k", 10)
	v.SetDefault("matching.weights.similarity", 0.55)
	v.SetDefault("matching.weights.trust", 0.20)
	v.SetDefault("matching.weights.availability", 0.15)
	v.SetDefault("matching.weights.recency", 0.10)
	v.SetDefault("matching.maxPerCluster", 3)
	v.SetDefault("matching.backfillClusters", true)
	v.SetDefault("matching.waveSize", 3)
	v.SetDefault("matching.recencyHalfLife", 72*time.Hour)
	v.SetDefault("matching.excludeRecentWithin", time.Duration(0))

	v.SetDefault("query.defaultTimeout", 30*time.Minute)
	v.SetDefault("query.maxTimeout", 24*time.Hour)
	v.SetDefault("query.minContributions", 3)
	v.SetDefault("query.minBudgetCents", 1)

	v.SetDefault("outreach.channels", []string{"sms", "push", "email"})
	v.SetDefault("outreach.ratePerSecond", map[string]float64{"sms": 1, "push": 10, "email": 5})
	v.SetDefault("outreach.burst", 5)
	v.SetDefault("outreach.contactCooldown", time.Minute)
	v.SetDefault("outreach.maxAttempts", 3)
	v.SetDefault("outreach.initialBackoff", 500*time.Millisecond)
	v.SetDefault("outreach.sendTimeout", 20*time.Second)
	v.SetDefault("outreach.concurrency", 8)
	v.SetDefault("outreach.queueChannels", false)

	v.SetDefault("synthesis.strictness", "drop")
	v.SetDefault("synthesis.maxAttempts", 3)
	v.SetDefault("synthesis.timeout", 90*time.Second)
	v.SetDefault("synthesis.partialConfidenceFactor", 0.8)
	v.SetDefault("synthesis.excerptLength", 200)

	v.SetDefault("ledger.contributorPool", 0.70)
	v.SetDefault("ledger.platform", 0.20)
	v.SetDefault("ledger.referrer", 0.10)
	v.SetDefault("ledger.unusedPolicy", "zero")
	v.SetDefault("ledger.acknowledgmentCents", 5)

	v.SetDefault("trust.enabled", true)
	v.SetDefault("trust.learningRate", 0.1)
	v.SetDefault("trust.responseAlpha", 0.2)

	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.queueSize", 64)
}
