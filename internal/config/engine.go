// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Store License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EngineConfig representa a configuração completa do nstore.
type EngineConfig struct {
	Engine        EngineInfo     `yaml:"engine"`
	IOCapacity    IOCapacityInfo `yaml:"io_capacity"`
	Memtable      MemtableInfo   `yaml:"memtable"`
	Log           LogInfo        `yaml:"log"`
	Checkpoint    CheckpointInfo `yaml:"checkpoint"`
	Tiered        TieredInfo     `yaml:"tiered"`
	Observability ObsInfo        `yaml:"observability"`
	Logging       LoggingInfo    `yaml:"logging"`
}

// EngineInfo identifica a instância e o diretório de dados.
type EngineInfo struct {
	Name     string `yaml:"name"`
	Dir      string `yaml:"dir"`
	ReadOnly bool   `yaml:"read_only"`
}

// IOCapacityInfo configura o throttle de I/O.
type IOCapacityInfo struct {
	Total    string `yaml:"total"` // ex: "10mb" (bytes/s), "0" = sem limite
	TotalRaw int64  `yaml:"-"`     // valor parseado em bytes/s
}

// MemtableInfo configura o buffer de escrita em memória.
type MemtableInfo struct {
	Budget    string `yaml:"budget"` // ex: "64mb"
	BudgetRaw int64  `yaml:"-"`
}

// LogInfo configura o write-ahead log.
type LogInfo struct {
	SegmentSize    string `yaml:"segment_size"` // ex: "16mb"
	SegmentSizeRaw int64  `yaml:"-"`
}

// CheckpointInfo configura os checkpoints periódicos.
type CheckpointInfo struct {
	Schedule string `yaml:"schedule"` // cron expression, vazio = desabilitado
	Keep     int    `yaml:"keep"`     // checkpoints retidos no disco
}

// TieredInfo configura o arquivamento de segmentos em object storage.
type TieredInfo struct {
	Enabled       bool   `yaml:"enabled"`
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	Endpoint      string `yaml:"endpoint"` // vazio = AWS
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	Prefix        string `yaml:"prefix"`
	UploadRate    string `yaml:"upload_rate"` // ex: "5mb" (bytes/s), "0" = sem limite
	UploadRateRaw int64  `yaml:"-"`
}

// ObsInfo configura o endpoint HTTP de observabilidade.
type ObsInfo struct {
	Listen string `yaml:"listen"` // vazio = desabilitado
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// LoadEngineConfig lê e valida o arquivo YAML de configuração do engine.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading engine config: %w", err)
	}

	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing engine config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating engine config: %w", err)
	}

	return &cfg, nil
}

// Validate confere os campos obrigatórios e materializa os defaults.
func (c *EngineConfig) Validate() error {
	if c.Engine.Name == "" {
		return fmt.Errorf("engine.name is required")
	}
	if c.Engine.Dir == "" {
		return fmt.Errorf("engine.dir is required")
	}

	if c.IOCapacity.Total == "" {
		c.IOCapacity.Total = "0"
	}
	total, err := ParseByteSize(c.IOCapacity.Total)
	if err != nil {
		return fmt.Errorf("io_capacity.total: %w", err)
	}
	if total < 0 {
		return fmt.Errorf("io_capacity.total must be non-negative, got %s", c.IOCapacity.Total)
	}
	c.IOCapacity.TotalRaw = total

	if c.Memtable.Budget == "" {
		c.Memtable.Budget = "64mb"
	}
	budget, err := ParseByteSize(c.Memtable.Budget)
	if err != nil {
		return fmt.Errorf("memtable.budget: %w", err)
	}
	if budget < 1024 {
		return fmt.Errorf("memtable.budget must be at least 1kb, got %s", c.Memtable.Budget)
	}
	c.Memtable.BudgetRaw = budget

	if c.Log.SegmentSize == "" {
		c.Log.SegmentSize = "16mb"
	}
	segSize, err := ParseByteSize(c.Log.SegmentSize)
	if err != nil {
		return fmt.Errorf("log.segment_size: %w", err)
	}
	if segSize < 64*1024 {
		return fmt.Errorf("log.segment_size must be at least 64kb, got %s", c.Log.SegmentSize)
	}
	c.Log.SegmentSizeRaw = segSize

	if c.Checkpoint.Keep <= 0 {
		c.Checkpoint.Keep = 3
	}

	if c.Tiered.Enabled {
		if c.Tiered.Bucket == "" {
			return fmt.Errorf("tiered.bucket is required when tiered.enabled")
		}
		if c.Tiered.Region == "" {
			c.Tiered.Region = "us-east-1"
		}
	}
	if c.Tiered.UploadRate == "" {
		c.Tiered.UploadRate = "0"
	}
	rate, err := ParseByteSize(c.Tiered.UploadRate)
	if err != nil {
		return fmt.Errorf("tiered.upload_rate: %w", err)
	}
	c.Tiered.UploadRateRaw = rate

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
