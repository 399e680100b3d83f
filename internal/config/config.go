// Package config loads the JSON run configuration and applies CLI
// overrides. The document is consumed once at startup; nothing mutates it
// during training.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Config is the full run configuration.
type Config struct {
	Model ModelConfig `json:"model_config"`
	Train TrainConfig `json:"train_config"`
}

// ModelConfig selects and sizes the model.
type ModelConfig struct {
	ModelType     string `json:"model_type"`
	UseCheckpoint bool   `json:"use_checkpoint"`
	HiddenSize    int    `json:"hidden_size"`
}

// TrainConfig captures the training-loop knobs.
type TrainConfig struct {
	Device            string  `json:"device"`
	NumWorkers        int     `json:"num_workers"`
	MaxIters          int     `json:"max_iters"`
	BatchSize         int     `json:"batch_size"`
	LearningRate      float64 `json:"learning_rate"`
	Beta1             float64 `json:"beta1"`
	Beta2             float64 `json:"beta2"`
	WeightDecay       float64 `json:"weight_decay"`
	GradNormClip      float64 `json:"grad_norm_clip"`
	CrossBatchNum     int     `json:"cross_batch_num"`
	TotalNumTrainData int     `json:"total_num_train_data"`
	UseDDP            bool    `json:"use_ddp"`
	Seed              int64   `json:"seed"`
}

// Default returns the configuration used when a key is absent.
func Default() Config {
	return Config{
		Model: ModelConfig{
			ModelType:  "seq-mlp",
			HiddenSize: 128,
		},
		Train: TrainConfig{
			Device:        "auto",
			NumWorkers:    4,
			MaxIters:      0, // unbounded
			BatchSize:     64,
			LearningRate:  3e-4,
			Beta1:         0.9,
			Beta2:         0.95,
			WeightDecay:   0.1, // applied to matmul weights only
			GradNormClip:  1.0,
			CrossBatchNum: 1,
			Seed:          3407,
		},
	}
}

// Load reads and validates a Config from JSON. Absent keys keep defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Device        string
	MaxIters      int
	BatchSize     int
	LearningRate  float64
	CrossBatchNum int
	NumWorkers    int
	Seed          int64
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Device != "" {
		c.Train.Device = o.Device
	}
	if o.MaxIters > 0 {
		c.Train.MaxIters = o.MaxIters
	}
	if o.BatchSize > 0 {
		c.Train.BatchSize = o.BatchSize
	}
	if o.LearningRate > 0 {
		c.Train.LearningRate = o.LearningRate
	}
	if o.CrossBatchNum > 0 {
		c.Train.CrossBatchNum = o.CrossBatchNum
	}
	if o.NumWorkers > 0 {
		c.Train.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Train.Seed = o.Seed
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Model.ModelType == "" {
		return errors.New("model_type must be set")
	}
	t := c.Train
	if t.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", t.BatchSize)
	}
	if t.NumWorkers <= 0 {
		return fmt.Errorf("num_workers must be > 0 (got %d)", t.NumWorkers)
	}
	if t.CrossBatchNum <= 0 {
		return fmt.Errorf("cross_batch_num must be > 0 (got %d)", t.CrossBatchNum)
	}
	if t.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %g)", t.LearningRate)
	}
	if t.MaxIters < 0 || t.TotalNumTrainData < 0 {
		return errors.New("iteration budgets must be >= 0")
	}
	if t.Beta1 <= 0 || t.Beta1 >= 1 || t.Beta2 <= 0 || t.Beta2 >= 1 {
		return fmt.Errorf("betas must be in (0,1) (got %g, %g)", t.Beta1, t.Beta2)
	}
	return nil
}

// ResolveMaxIters derives max_iters from the training-example budget when
// max_iters itself is unset: total / batch_size / cross_batch_num.
func (t TrainConfig) ResolveMaxIters() int {
	if t.MaxIters > 0 || t.TotalNumTrainData == 0 {
		return t.MaxIters
	}
	return t.TotalNumTrainData / t.BatchSize / t.CrossBatchNum
}
