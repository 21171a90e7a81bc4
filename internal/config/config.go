package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is built once at process start and passed explicitly into the
// orchestrator and coordinator constructors; nothing reads ambient state.
type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Database struct {
		Driver   string `yaml:"driver"` // postgres | mysql
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslMode"`
	} `yaml:"database"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Semantic struct {
		Path       string `yaml:"path"` // sqlite database file
		Dimensions int    `yaml:"dimensions"`
	} `yaml:"semantic"`

	Minio struct {
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	OpenAI struct {
		APIKey     string `yaml:"apiKey"`
		Model      string `yaml:"model"`
		EmbedModel string `yaml:"embedModel"`
	} `yaml:"openai"`

	Pipeline struct {
		Workers             int      `yaml:"workers"`
		MaxValidatorRetries int      `yaml:"maxValidatorRetries"`
		StepRetryAttempts   int      `yaml:"stepRetryAttempts"`
		StepRetryBackoffMS  int      `yaml:"stepRetryBackoffMs"`
		CacheTTLSeconds     int      `yaml:"cacheTTLSeconds"`
		QueryTTLSeconds     int      `yaml:"queryTTLSeconds"`
		ResearchSources     []string `yaml:"researchSources"`
	} `yaml:"pipeline"`
}

// CacheTTL is the staleness bound for cached structured records.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Pipeline.CacheTTLSeconds) * time.Second
}

// QueryTTL bounds the short-lived semantic query cache.
func (c *Config) QueryTTL() time.Duration {
	return time.Duration(c.Pipeline.QueryTTLSeconds) * time.Second
}

// StepRetryBackoff is the base delay for step retry backoff.
func (c *Config) StepRetryBackoff() time.Duration {
	return time.Duration(c.Pipeline.StepRetryBackoffMS) * time.Millisecond
}

// Load baca file config.yaml
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Semantic.Dimensions == 0 {
		c.Semantic.Dimensions = 3072
	}
	if c.OpenAI.EmbedModel == "" {
		c.OpenAI.EmbedModel = "text-embedding-3-large"
	}
	if c.Pipeline.Workers == 0 {
		c.Pipeline.Workers = 4
	}
	if c.Pipeline.MaxValidatorRetries == 0 {
		c.Pipeline.MaxValidatorRetries = 2
	}
	if c.Pipeline.StepRetryAttempts == 0 {
		c.Pipeline.StepRetryAttempts = 4
	}
	if c.Pipeline.StepRetryBackoffMS == 0 {
		c.Pipeline.StepRetryBackoffMS = 500
	}
	if c.Pipeline.CacheTTLSeconds == 0 {
		c.Pipeline.CacheTTLSeconds = 300
	}
	if c.Pipeline.QueryTTLSeconds == 0 {
		c.Pipeline.QueryTTLSeconds = 60
	}
}

// Helper untuk build DSN Postgres
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}
