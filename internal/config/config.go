package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"intent-service/internal/insights"
	"intent-service/internal/nn"
	"intent-service/internal/trainer"

	"gopkg.in/yaml.v3"
)

// ScheduleOff disables scheduled training.
const ScheduleOff = "off"

// Config holds application configuration
type Config struct {
	Server struct {
		Port            string        `yaml:"port"`
		Mode            string        `yaml:"mode"` // gin mode: debug, release, test
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Database struct {
		Type string `yaml:"type"` // "sqlite" or "postgres"
		Path string `yaml:"path"` // SQLite path or PostgreSQL URL
	} `yaml:"database"`

	Artifacts struct {
		Dir  string `yaml:"dir"`
		Keep int    `yaml:"keep"`
	} `yaml:"artifacts"`

	Vectorizer struct {
		MaxVocabSize int `yaml:"max_vocab_size"`
		MaxLen       int `yaml:"max_len"`
	} `yaml:"vectorizer"`

	Model struct {
		EmbeddingDim     int     `yaml:"embedding_dim"`
		RecurrentUnits   []int   `yaml:"recurrent_units"`
		RecurrentDropout float64 `yaml:"recurrent_dropout"`
		DenseUnits       int     `yaml:"dense_units"`
		DenseDropout     float64 `yaml:"dense_dropout"`
	} `yaml:"model"`

	Training struct {
		Epochs                int     `yaml:"epochs"`
		BatchSize             int     `yaml:"batch_size"`
		LearningRate          float64 `yaml:"learning_rate"`
		ValidationSplit       float64 `yaml:"validation_split"`
		EarlyStoppingPatience int     `yaml:"early_stopping_patience"`
		LRReduceFactor        float64 `yaml:"lr_reduce_factor"`
		LRReducePatience      int     `yaml:"lr_reduce_patience"`
		MinLearningRate       float64 `yaml:"min_learning_rate"`
		ClipNorm              float64 `yaml:"clip_norm"`
		Seed                  uint64  `yaml:"seed"`
		Workers               int     `yaml:"workers"`
		Schedule              string  `yaml:"schedule"`       // cron spec, or "off"
		SeedCorpus            string  `yaml:"seed_corpus"`    // "builtin", "none" or a YAML path
		AugmentCopies         *int    `yaml:"augment_copies"` // 0 disables augmentation
	} `yaml:"training"`

	Advisory struct {
		ConfidenceThreshold float64 `yaml:"confidence_threshold"`
		WatchArtifacts      *bool   `yaml:"watch_artifacts"`
	} `yaml:"advisory"`

	Recommendations struct {
		MinShare       float64 `yaml:"min_share"`
		MaxShare       float64 `yaml:"max_share"`
		MinUniqueWords int     `yaml:"min_unique_words"`
	} `yaml:"recommendations"`

	Stats struct {
		RecentLimit int `yaml:"recent_limit"`
	} `yaml:"stats"`

	Logging struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"logging"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"` // empty disables the guard
	} `yaml:"auth"`

	InteractionLog struct {
		QueueSize  int `yaml:"queue_size"`
		MaxRetries int `yaml:"max_retries"`
	} `yaml:"interaction_log"`

	EventQueueSize int `yaml:"event_queue_size"`
}

// LoadConfig loads configuration from a YAML file. An empty path yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	if configPath != "" {
		file, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	config.setDefaults()

	// Expand environment variables in secrets and paths
	config.Database.Path = os.ExpandEnv(config.Database.Path)
	config.Artifacts.Dir = os.ExpandEnv(config.Artifacts.Dir)
	config.Training.SeedCorpus = os.ExpandEnv(config.Training.SeedCorpus)
	config.Auth.JWTSecret = os.ExpandEnv(config.Auth.JWTSecret)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) setDefaults() {
	def := trainer.DefaultOptions()

	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/interactions.db"
	}

	if c.Artifacts.Dir == "" {
		c.Artifacts.Dir = "./data/artifacts"
	}
	if c.Artifacts.Keep == 0 {
		c.Artifacts.Keep = 5
	}

	if c.Vectorizer.MaxVocabSize == 0 {
		c.Vectorizer.MaxVocabSize = def.MaxVocabSize
	}
	if c.Vectorizer.MaxLen == 0 {
		c.Vectorizer.MaxLen = def.MaxLen
	}

	if c.Model.EmbeddingDim == 0 {
		c.Model.EmbeddingDim = def.EmbeddingDim
	}
	if len(c.Model.RecurrentUnits) == 0 {
		c.Model.RecurrentUnits = def.RecurrentUnits
	}
	if c.Model.RecurrentDropout == 0 {
		c.Model.RecurrentDropout = def.RecurrentDropout
	}
	if c.Model.DenseUnits == 0 {
		c.Model.DenseUnits = def.DenseUnits
	}
	if c.Model.DenseDropout == 0 {
		c.Model.DenseDropout = def.DenseDropout
	}

	t := &c.Training
	if t.Epochs == 0 {
		t.Epochs = def.Fit.Epochs
	}
	if t.BatchSize == 0 {
		t.BatchSize = def.Fit.BatchSize
	}
	if t.LearningRate == 0 {
		t.LearningRate = def.Fit.LearningRate
	}
	if t.ValidationSplit == 0 {
		t.ValidationSplit = def.ValidationSplit
	}
	if t.EarlyStoppingPatience == 0 {
		t.EarlyStoppingPatience = def.Fit.Patience
	}
	if t.LRReduceFactor == 0 {
		t.LRReduceFactor = def.Fit.LRFactor
	}
	if t.LRReducePatience == 0 {
		t.LRReducePatience = def.Fit.LRPatience
	}
	if t.MinLearningRate == 0 {
		t.MinLearningRate = def.Fit.MinLR
	}
	if t.ClipNorm == 0 {
		t.ClipNorm = def.Fit.ClipNorm
	}
	if t.Seed == 0 {
		t.Seed = def.Fit.Seed
	}
	if t.Schedule == "" {
		t.Schedule = "@every 24h"
	}
	if t.SeedCorpus == "" {
		t.SeedCorpus = def.SeedCorpus
	}
	if t.AugmentCopies == nil {
		copies := def.Augment.Copies
		t.AugmentCopies = &copies
	}

	if c.Advisory.ConfidenceThreshold == 0 {
		c.Advisory.ConfidenceThreshold = 0.7
	}
	if c.Advisory.WatchArtifacts == nil {
		watch := true
		c.Advisory.WatchArtifacts = &watch
	}

	rec := insights.DefaultOptions()
	if c.Recommendations.MinShare == 0 {
		c.Recommendations.MinShare = rec.MinShare
	}
	if c.Recommendations.MaxShare == 0 {
		c.Recommendations.MaxShare = rec.MaxShare
	}
	if c.Recommendations.MinUniqueWords == 0 {
		c.Recommendations.MinUniqueWords = rec.MinUniqueWords
	}

	if c.Stats.RecentLimit == 0 {
		c.Stats.RecentLimit = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.InteractionLog.QueueSize == 0 {
		c.InteractionLog.QueueSize = 256
	}
	if c.InteractionLog.MaxRetries == 0 {
		c.InteractionLog.MaxRetries = 3
	}

	if c.EventQueueSize == 0 {
		c.EventQueueSize = 256
	}
}

// Validate rejects values training or serving cannot work with.
func (c *Config) Validate() error {
	if c.Database.Type != "sqlite" && c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	if c.Vectorizer.MaxVocabSize < 3 {
		return fmt.Errorf("vectorizer.max_vocab_size must be at least 3, got %d", c.Vectorizer.MaxVocabSize)
	}
	if c.Vectorizer.MaxLen < 1 {
		return fmt.Errorf("vectorizer.max_len must be positive, got %d", c.Vectorizer.MaxLen)
	}
	if c.Training.ValidationSplit <= 0 || c.Training.ValidationSplit >= 1 {
		return fmt.Errorf("training.validation_split must be in (0,1), got %g", c.Training.ValidationSplit)
	}
	if c.Advisory.ConfidenceThreshold <= 0 || c.Advisory.ConfidenceThreshold >= 1 {
		return fmt.Errorf("advisory.confidence_threshold must be in (0,1), got %g", c.Advisory.ConfidenceThreshold)
	}
	if c.Training.AugmentCopies != nil && *c.Training.AugmentCopies < 0 {
		return fmt.Errorf("training.augment_copies must not be negative, got %d", *c.Training.AugmentCopies)
	}
	for _, p := range []float64{c.Model.RecurrentDropout, c.Model.DenseDropout} {
		if p < 0 || p >= 1 {
			return fmt.Errorf("dropout must be in [0,1), got %g", p)
		}
	}
	return nil
}

// ScheduleEnabled reports whether scheduled training is on.
func (c *Config) ScheduleEnabled() bool {
	return c.Training.Schedule != ScheduleOff
}

// WatchArtifacts reports whether the predictor follows newly published artifacts.
func (c *Config) WatchArtifacts() bool {
	return c.Advisory.WatchArtifacts == nil || *c.Advisory.WatchArtifacts
}

// TrainerOptions maps the vectorizer, model and training sections onto trainer options.
func (c *Config) TrainerOptions() trainer.Options {
	opts := trainer.DefaultOptions()
	opts.MaxVocabSize = c.Vectorizer.MaxVocabSize
	opts.MaxLen = c.Vectorizer.MaxLen
	opts.EmbeddingDim = c.Model.EmbeddingDim
	opts.RecurrentUnits = append([]int(nil), c.Model.RecurrentUnits...)
	opts.RecurrentDropout = c.Model.RecurrentDropout
	opts.DenseUnits = c.Model.DenseUnits
	opts.DenseDropout = c.Model.DenseDropout
	opts.ValidationSplit = c.Training.ValidationSplit
	if c.Training.AugmentCopies != nil {
		opts.Augment.Copies = *c.Training.AugmentCopies
	}
	opts.Fit = nn.FitOptions{
		Epochs:       c.Training.Epochs,
		BatchSize:    c.Training.BatchSize,
		LearningRate: c.Training.LearningRate,
		Patience:     c.Training.EarlyStoppingPatience,
		LRFactor:     c.Training.LRReduceFactor,
		LRPatience:   c.Training.LRReducePatience,
		MinLR:        c.Training.MinLearningRate,
		ClipNorm:     c.Training.ClipNorm,
		Seed:         c.Training.Seed,
		Workers:      c.Training.Workers,
	}
	opts.SeedCorpus = c.Training.SeedCorpus
	return opts
}

// InsightsOptions returns the recommendation thresholds.
func (c *Config) InsightsOptions() insights.Options {
	return insights.Options{
		MinShare:       c.Recommendations.MinShare,
		MaxShare:       c.Recommendations.MaxShare,
		MinUniqueWords: c.Recommendations.MinUniqueWords,
	}
}
