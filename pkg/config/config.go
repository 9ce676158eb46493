package config

import (
	"cmp"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Stage names used as keys under `stages:`.
const (
	StageSummary        = "summary"
	StageExtraction     = "extraction"
	StageConsolidation  = "consolidation"
	StageAbstraction    = "abstraction"
	StageInstantiation  = "instantiation"
	StageRollingSummary = "rolling_summary"
)

const (
	DefaultModel          = "gpt-4o-mini"
	DefaultTemperature    = 0.3
	DefaultConcurrency    = 15
	DefaultWindowSize     = 10
	DefaultMegaBatchSize  = 10
	DefaultMaxChunkTokens = 8192 * 4
	DefaultSummaryRatio   = "15-20%"
)

var stageDefaults = map[string]StageSettings{
	StageSummary:        {Temperature: ptr(0.3), Concurrency: 15},
	StageExtraction:     {Temperature: ptr(0.2), Concurrency: 10},
	StageConsolidation:  {Temperature: ptr(0.1), Concurrency: 4},
	StageAbstraction:    {Temperature: ptr(0.5), Concurrency: 15},
	StageInstantiation:  {Temperature: ptr(0.8), Concurrency: 8},
	StageRollingSummary: {Temperature: ptr(0.3), Concurrency: 1},
}

func ptr[T any](v T) *T { return &v }

// StageSettings is the model/temperature/concurrency trade-off for one call
// site as written in the config file. A nil Temperature is unset; zero is a
// valid temperature.
type StageSettings struct {
	Model       string   `yaml:"model,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	Concurrency int      `yaml:"concurrency,omitempty"`
}

// Settings is what a stage resolves to once overrides and defaults are applied.
type Settings struct {
	Model       string
	Temperature float64
	Concurrency int
}

type PipelineConfig struct {
	Default        StageSettings            `yaml:"default"`
	Stages         map[string]StageSettings `yaml:"stages"`
	WindowSize     int                      `yaml:"window_size"`
	MegaBatchSize  int                      `yaml:"mega_batch_size"`
	MaxChunkTokens int                      `yaml:"max_chunk_tokens"`
	SummaryRatio   string                   `yaml:"summary_ratio"`
}

// Default returns a config that resolves every stage to the hard-coded values.
func Default() PipelineConfig {
	return PipelineConfig{}.withDefaults()
}

// Load reads a YAML config. A missing file yields Default().
func Load(path string) (PipelineConfig, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return PipelineConfig{}, fmt.Errorf("read pipeline config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (PipelineConfig, error) {
	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return PipelineConfig{}, fmt.Errorf("parse pipeline config: %w", err)
	}
	return cfg.withDefaults(), nil
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	c.WindowSize = cmp.Or(c.WindowSize, DefaultWindowSize)
	c.MegaBatchSize = cmp.Or(c.MegaBatchSize, DefaultMegaBatchSize)
	c.MaxChunkTokens = cmp.Or(c.MaxChunkTokens, DefaultMaxChunkTokens)
	c.SummaryRatio = cmp.Or(c.SummaryRatio, DefaultSummaryRatio)
	if c.WindowSize < 1 {
		c.WindowSize = DefaultWindowSize
	}
	if c.MegaBatchSize < 2 {
		c.MegaBatchSize = DefaultMegaBatchSize
	}
	return c
}

// Resolve returns the settings for stage: stage override, then the `default`
// block, then the hard-coded constants.
func (c PipelineConfig) Resolve(stage string) Settings {
	override := c.Stages[stage]
	builtin := stageDefaults[stage]

	temperature := DefaultTemperature
	for _, t := range []*float64{override.Temperature, c.Default.Temperature, builtin.Temperature} {
		if t != nil {
			temperature = *t
			break
		}
	}
	return Settings{
		Model:       cmp.Or(override.Model, c.Default.Model, DefaultModel),
		Temperature: temperature,
		Concurrency: max(cmp.Or(override.Concurrency, c.Default.Concurrency, builtin.Concurrency, DefaultConcurrency), 1),
	}
}

// WithModel sets the default model when the config file leaves it empty.
// Models named in the file, globally or per stage, are kept.
func (c PipelineConfig) WithModel(model string) PipelineConfig {
	if c.Default.Model == "" {
		c.Default.Model = model
	}
	return c
}
