// Package config holds every named option of a training run. A run is
// described by a YAML file layered over Default, then validated once.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-reid/checkpoints"
	"github.com/tsawler/go-reid/training"
)

// Checkpoint destinations.
const (
	DestLocal = "local"
	DestS3    = "s3"
	DestMinio = "minio"
)

// Config is the complete description of a training run.
type Config struct {
	Sampler SamplerConfig `yaml:"sampler"`

	// Iterations is the iteration budget.
	Iterations int `yaml:"iterations"`
	// LogInterval is how often the moving average loss is logged.
	LogInterval int `yaml:"log_interval"`
	// AverageWindow is the number of iterations in the moving average.
	AverageWindow int `yaml:"average_window"`
	// Margin selects the hard-margin triplet loss. Null or absent selects
	// the soft margin.
	Margin *float64 `yaml:"margin"`

	Weights training.LossWeights `yaml:"weights"`

	// IDTargets is "slot" (labels 0..P-1 per batch) or "identity".
	IDTargets training.IDTargetMode `yaml:"id_targets"`

	// Replicas is the number of data-parallel shards; P*K must divide evenly.
	Replicas int `yaml:"replicas"`

	// Optimizers is keyed by sub-model name (mainEncoder, auxEncoder,
	// mainHead, auxHead, classifier). Missing entries use the default; a
	// present entry replaces it whole.
	Optimizers map[string]training.OptimizerConfig `yaml:"optimizers"`

	Model      training.ModelConfig `yaml:"model"`
	Data       DataConfig           `yaml:"data"`
	Checkpoint CheckpointConfig     `yaml:"checkpoint"`

	// MemoryLimitBytes caps the tensors reserved per iteration. 0 only
	// tracks usage. The prefetch queue has its own budget,
	// data.prefetch_memory_bytes.
	MemoryLimitBytes int64 `yaml:"memory_limit_bytes"`

	Seed int64     `yaml:"seed"`
	Log  LogConfig `yaml:"log"`
}

// SamplerConfig is the P×K batch layout.
type SamplerConfig struct {
	P int `yaml:"p"` // identities per batch
	K int `yaml:"k"` // samples per identity
}

// DataConfig locates and loads the two image trees.
type DataConfig struct {
	ImageDir string `yaml:"image_dir"`
	DenseDir string `yaml:"dense_dir"`
	// Extensions overrides the accepted file extensions.
	Extensions []string `yaml:"extensions,omitempty"`

	Height int `yaml:"height"`
	Width  int `yaml:"width"`

	// CacheSize is the number of decoded tensors kept in memory.
	CacheSize       int     `yaml:"cache_size"`
	FlipProbability float64 `yaml:"flip_probability"`
	// IOBytesPerSecond throttles file reads. 0 means unlimited.
	IOBytesPerSecond int64 `yaml:"io_bytes_per_second"`

	PrefetchDepth   int `yaml:"prefetch_depth"`
	PrefetchWorkers int `yaml:"prefetch_workers"`
	// LoadWorkers bounds concurrent sample loads within one batch.
	LoadWorkers int `yaml:"load_workers"`
	// PrefetchMemoryBytes caps the bytes held by queued batches. Workers
	// wait for room. 0 only tracks usage.
	PrefetchMemoryBytes int64 `yaml:"prefetch_memory_bytes"`

	// MaxIdentities limits training to the first N identities. 0 uses all.
	MaxIdentities int `yaml:"max_identities"`
}

// CheckpointConfig says where and how the five sub-model blobs are written.
type CheckpointConfig struct {
	Dest        string `yaml:"dest"` // local, s3 or minio
	Dir         string `yaml:"dir"`  // local results directory
	Format      string `yaml:"format"`
	Compression string `yaml:"compression"`

	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration of the reference run: 18 identities of
// 4 samples, 5000 iterations, soft margin, weights 1.5/0.5/1.
func Default() Config {
	optimizers := make(map[string]training.OptimizerConfig, len(training.AllSubModels))
	for _, sub := range training.AllSubModels {
		optimizers[sub.String()] = training.DefaultOptimizerConfig()
	}
	return Config{
		Sampler:       SamplerConfig{P: 18, K: 4},
		Iterations:    5000,
		LogInterval:   20,
		AverageWindow: 20,
		Weights:       training.DefaultLossWeights(),
		IDTargets:     training.IDTargetsSlot,
		Replicas:      1,
		Optimizers:    optimizers,
		Model:         training.DefaultModelConfig(),
		Data: DataConfig{
			Height:          48,
			Width:           16,
			CacheSize:       1000,
			FlipProbability: 0.5,
			PrefetchDepth:   3,
			PrefetchWorkers: 2,
			LoadWorkers:     4,
		},
		Checkpoint: CheckpointConfig{
			Dest:        DestLocal,
			Dir:         "./res",
			Format:      "proto",
			Compression: "none",
		},
		Seed: 1,
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML file over Default and validates the result.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML from r over Default and validates the result. Unknown
// keys are rejected.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, err
	}
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("%w: %v", training.ErrInvalidConfig, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Encode writes cfg as YAML.
func (c Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{training.ErrInvalidConfig}, args...)...)
}

// Validate checks every option. Errors wrap training.ErrInvalidConfig.
func (c Config) Validate() error {
	if c.Sampler.P < 2 {
		return invalid("sampler.p must be at least 2, got %d", c.Sampler.P)
	}
	if c.Sampler.K < 2 {
		return invalid("sampler.k must be at least 2, got %d", c.Sampler.K)
	}
	if err := c.Training().Validate(); err != nil {
		return err
	}
	if (c.Sampler.P*c.Sampler.K)%c.Replicas != 0 {
		return invalid("batch of %d samples cannot be split over %d replicas", c.Sampler.P*c.Sampler.K, c.Replicas)
	}

	for name, oc := range c.Optimizers {
		sub, err := training.ParseSubModel(name)
		if err != nil {
			return invalid("optimizers: %v", err)
		}
		if err := oc.Validate(); err != nil {
			return fmt.Errorf("optimizers.%s: %w", sub, err)
		}
	}
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if err := c.Data.validate(c.Model); err != nil {
		return err
	}
	if err := c.Checkpoint.validate(); err != nil {
		return err
	}
	if c.MemoryLimitBytes < 0 {
		return invalid("memory_limit_bytes must be non-negative")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return invalid("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func (d DataConfig) validate(model training.ModelConfig) error {
	if d.Height <= 0 || d.Width <= 0 {
		return invalid("data.height and data.width must be positive")
	}
	for _, enc := range []struct {
		name        string
		parts, cols int
	}{{"main", model.Main.Parts, model.Main.Cols}, {"aux", model.Aux.Parts, model.Aux.Cols}} {
		if d.Height < enc.parts || d.Width < enc.cols {
			return invalid("%dx%d images cannot feed the %s encoder's %d stripes of %d cells",
				d.Height, d.Width, enc.name, enc.parts, enc.cols)
		}
	}
	if d.CacheSize < 0 {
		return invalid("data.cache_size must be non-negative")
	}
	if d.FlipProbability < 0 || d.FlipProbability > 1 {
		return invalid("data.flip_probability must be in [0,1]")
	}
	if d.IOBytesPerSecond < 0 {
		return invalid("data.io_bytes_per_second must be non-negative")
	}
	if d.PrefetchDepth <= 0 || d.PrefetchWorkers <= 0 || d.LoadWorkers <= 0 {
		return invalid("data prefetch depth and worker counts must be positive")
	}
	if d.PrefetchMemoryBytes < 0 {
		return invalid("data.prefetch_memory_bytes must be non-negative")
	}
	if d.MaxIdentities < 0 {
		return invalid("data.max_identities must be non-negative")
	}
	return nil
}

func (c CheckpointConfig) validate() error {
	if _, err := checkpoints.ParseFormat(c.Format); err != nil {
		return invalid("checkpoint.format: %v", err)
	}
	if _, err := checkpoints.ParseCompression(c.Compression); err != nil {
		return invalid("checkpoint.compression: %v", err)
	}
	switch c.Dest {
	case DestLocal:
		if c.Dir == "" {
			return invalid("checkpoint.dir is required for local checkpoints")
		}
	case DestS3:
		if c.Bucket == "" {
			return invalid("checkpoint.bucket is required for s3 checkpoints")
		}
	case DestMinio:
		if c.Bucket == "" || c.Endpoint == "" {
			return invalid("checkpoint.bucket and checkpoint.endpoint are required for minio checkpoints")
		}
	default:
		return invalid("unknown checkpoint.dest %q", c.Dest)
	}
	return nil
}

// Training returns the orchestrator options.
func (c Config) Training() training.TrainingConfig {
	return training.TrainingConfig{
		Iterations:    c.Iterations,
		LogInterval:   c.LogInterval,
		AverageWindow: c.AverageWindow,
		Margin:        c.Margin,
		Weights:       c.Weights,
		IDTargets:     c.IDTargets,
		Replicas:      c.Replicas,
	}
}

// OptimizerConfigs returns one optimizer configuration per sub-model,
// filling gaps with the default.
func (c Config) OptimizerConfigs() (map[training.SubModel]training.OptimizerConfig, error) {
	out := make(map[training.SubModel]training.OptimizerConfig, len(training.AllSubModels))
	for _, sub := range training.AllSubModels {
		out[sub] = training.DefaultOptimizerConfig()
	}
	for name, oc := range c.Optimizers {
		sub, err := training.ParseSubModel(name)
		if err != nil {
			return nil, invalid("optimizers: %v", err)
		}
		out[sub] = oc
	}
	return out, nil
}
