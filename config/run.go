package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/aws/s3"
	c "github.com/relloyd/lakepipe/constants"
	h "github.com/relloyd/lakepipe/helper"
	ts "github.com/relloyd/lakepipe/transform-spec"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const DefaultRegion = "us-east-1"

type SourceConfig struct {
	Dsn               string   `yaml:"dsn" mapstructure:"dsn" errorTxt:"source.dsn" mandatory:"yes"`
	Table             string   `yaml:"table" mapstructure:"table" errorTxt:"source.table" mandatory:"yes"`
	KeyColumn         string   `yaml:"keyColumn" mapstructure:"keyColumn" errorTxt:"source.keyColumn" mandatory:"yes"`
	Columns           []string `yaml:"columns,omitempty" mapstructure:"columns"`
	IncrementalColumn string   `yaml:"incrementalColumn,omitempty" mapstructure:"incrementalColumn"`
	IncrementalSince  string   `yaml:"incrementalSince,omitempty" mapstructure:"incrementalSince"`
}

type DestinationConfig struct {
	Url      string `yaml:"url" mapstructure:"url" errorTxt:"destination.url" mandatory:"yes"`
	Region   string `yaml:"region" mapstructure:"region"`
	Endpoint string `yaml:"endpoint,omitempty" mapstructure:"endpoint"` // S3-compatible endpoint, used path-style.
}

type CheckpointConfig struct {
	Type string `yaml:"type" mapstructure:"type"`
	Dsn  string `yaml:"dsn,omitempty" mapstructure:"dsn"`
}

// RunConfig is the configuration of a single run, usually loaded from a YAML file.
type RunConfig struct {
	RunID                     string            `yaml:"runId" mapstructure:"runId" errorTxt:"runId" mandatory:"yes"`
	Source                    SourceConfig      `yaml:"source" mapstructure:"source"`
	Destination               DestinationConfig `yaml:"destination" mapstructure:"destination"`
	Checkpoint                CheckpointConfig  `yaml:"checkpoint" mapstructure:"checkpoint"`
	BatchSize                 int               `yaml:"batchSize" mapstructure:"batchSize"`
	StartWatermark            string            `yaml:"startWatermark,omitempty" mapstructure:"startWatermark"`
	MaxRetries                int               `yaml:"maxRetries" mapstructure:"maxRetries"`
	RetryBackoffBaseMs        int               `yaml:"retryBackoffBaseMs" mapstructure:"retryBackoffBaseMs"`
	PartitionConflictPolicy   string            `yaml:"partitionConflictPolicy" mapstructure:"partitionConflictPolicy"`
	PrefetchDepth             int               `yaml:"prefetchDepth" mapstructure:"prefetchDepth"`
	TransformSpec             ts.TransformSpec  `yaml:"transformSpec,omitempty" mapstructure:"transformSpec"`
	LogLevel                  string            `yaml:"logLevel" mapstructure:"logLevel"`
	StatsDumpFrequencySeconds int               `yaml:"statsDumpFrequencySeconds" mapstructure:"statsDumpFrequencySeconds"`
}

// NewRunConfig returns a RunConfig populated with defaults.
func NewRunConfig() *RunConfig {
	return &RunConfig{
		Destination:               DestinationConfig{Region: DefaultRegion},
		Checkpoint:                CheckpointConfig{Type: c.CheckpointTypeObject},
		BatchSize:                 c.DefaultBatchSize,
		MaxRetries:                c.DefaultMaxRetries,
		RetryBackoffBaseMs:        c.DefaultRetryBackoffBaseMs,
		PartitionConflictPolicy:   c.ConflictPolicyFail,
		PrefetchDepth:             c.DefaultPrefetchDepth,
		LogLevel:                  "info",
		StatsDumpFrequencySeconds: c.DefaultStatsDumpFrequencySeconds,
	}
}

// Decode overlays the values in m onto cfg. Unknown keys are an error.
func (cfg *RunConfig) Decode(m map[string]interface{}) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           cfg,
	})
	if err != nil {
		return err
	}
	if err = d.Decode(m); err != nil {
		return errors.Wrap(err, "error decoding run config")
	}
	return nil
}

// ParseRunConfig reads YAML b into a RunConfig with defaults applied.
// The result is not validated.
func ParseRunConfig(b []byte) (*RunConfig, error) {
	m := make(map[string]interface{})
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(err, "error parsing run config")
	}
	cfg := NewRunConfig()
	if err := cfg.Decode(m); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRunConfigFile reads the run config at fileName, which may start with ~.
func LoadRunConfigFile(fileName string) (*RunConfig, error) {
	p, err := homedir.Expand(fileName)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, errors.Wrap(err, "error reading run config")
	}
	cfg, err := ParseRunConfig(b)
	if err != nil {
		return nil, errors.Wrapf(err, "file %v", p)
	}
	return cfg, nil
}

var reRunID = regexp.MustCompile(`^[A-Za-z0-9]+([._-][A-Za-z0-9]+)*$`)

// Validate checks mandatory values and the ranges of the options.
// TransformSpec defaults are applied.
func (cfg *RunConfig) Validate() error {
	if err := h.ValidateStructIsPopulated(cfg); err != nil {
		return err
	}
	if !reRunID.MatchString(cfg.RunID) {
		return fmt.Errorf("runId %q must be letters and digits separated by single '.', '_' or '-' characters", cfg.RunID)
	}
	if cfg.Source.IncrementalSince != "" && cfg.Source.IncrementalColumn == "" {
		return errors.New("source.incrementalSince requires source.incrementalColumn")
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be positive, got %d", cfg.BatchSize)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must not be negative, got %d", cfg.MaxRetries)
	}
	if cfg.RetryBackoffBaseMs < 0 {
		return fmt.Errorf("retryBackoffBaseMs must not be negative, got %d", cfg.RetryBackoffBaseMs)
	}
	if cfg.PrefetchDepth < 0 || cfg.PrefetchDepth > c.MaxPrefetchDepth {
		return fmt.Errorf("prefetchDepth must be between 0 and %d, got %d", c.MaxPrefetchDepth, cfg.PrefetchDepth)
	}
	switch cfg.PartitionConflictPolicy {
	case c.ConflictPolicyFail, c.ConflictPolicySkip, c.ConflictPolicyReplace:
	default:
		return fmt.Errorf("partitionConflictPolicy must be one of %q, %q or %q, got %q",
			c.ConflictPolicyFail, c.ConflictPolicySkip, c.ConflictPolicyReplace, cfg.PartitionConflictPolicy)
	}
	switch cfg.Checkpoint.Type {
	case c.CheckpointTypeObject:
	case c.CheckpointTypePostgres:
		if cfg.Checkpoint.Dsn == "" {
			return errors.New("checkpoint.dsn is required for a postgres checkpoint store")
		}
	default:
		return fmt.Errorf("checkpoint.type must be %q or %q, got %q", c.CheckpointTypeObject, c.CheckpointTypePostgres, cfg.Checkpoint.Type)
	}
	if _, err := cfg.Bucket(); err != nil {
		return errors.Wrap(err, "destination.url")
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return errors.Wrap(err, "logLevel")
	}
	if cfg.StatsDumpFrequencySeconds <= 0 {
		return fmt.Errorf("statsDumpFrequencySeconds must be positive, got %d", cfg.StatsDumpFrequencySeconds)
	}
	cfg.TransformSpec.SetDefaults()
	return errors.Wrap(cfg.TransformSpec.Validate(), "transformSpec")
}

// Bucket parses the destination.
func (cfg *RunConfig) Bucket() (s3.AwsS3Bucket, error) {
	b, err := s3.ParseDSN(cfg.Destination.Url, cfg.Destination.Region)
	if err != nil {
		return b, err
	}
	b.Endpoint = cfg.Destination.Endpoint
	return b, nil
}

func (cfg *RunConfig) RetryBackoffBase() time.Duration {
	return time.Duration(cfg.RetryBackoffBaseMs) * time.Millisecond
}
