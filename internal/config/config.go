package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultReltol   = 1.0e-6
	DefaultAbstol   = 1.0e-9
	DefaultTEnd     = 10.0
	DefaultOutputs  = 100
	DefaultMaxSteps = 5000
)

type Config struct {
	Problem    string        `yaml:"problem"`
	Method     string        `yaml:"method"`    // "adams" or "bdf"
	Iteration  string        `yaml:"iteration"` // "functional" or "newton"
	LinSolver  string        `yaml:"linsolver"` // "dense", "band", "sparse", "spbcgs"
	Reltol     float64       `yaml:"reltol"`
	Abstol     float64       `yaml:"abstol"`
	TEnd       float64       `yaml:"t_end"`
	Outputs    int           `yaml:"outputs"`
	Logspace   bool          `yaml:"logspace"`
	MaxSteps   int64         `yaml:"max_steps"`
	MaxOrder   int           `yaml:"max_order"`
	InitStep   float64       `yaml:"init_step"`
	StabLimDet bool          `yaml:"stab_lim_det"`
	InitState  []float64     `yaml:"init_state"`
	Quadrature bool          `yaml:"quadrature"`
	Sens       SensConfig    `yaml:"sensitivity"`
	Params     ProblemConfig `yaml:"problem_params"`
}

type SensConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Method     string `yaml:"method"` // "simultaneous", "staggered", "staggered1"
	ErrControl bool   `yaml:"err_control"`
	DQType     string `yaml:"dq_type"` // "centered" or "forward"
}

type ProblemConfig struct {
	Lambda float64 `yaml:"lambda"`
	Omega  float64 `yaml:"omega"`
	Mu     float64 `yaml:"mu"`
}

func DefaultConfig() *Config {
	return &Config{
		Problem:   "robertson",
		Method:    "bdf",
		Iteration: "newton",
		LinSolver: "dense",
		Reltol:    DefaultReltol,
		Abstol:    DefaultAbstol,
		TEnd:      DefaultTEnd,
		Outputs:   DefaultOutputs,
		MaxSteps:  DefaultMaxSteps,
		Sens: SensConfig{
			Method:     "staggered",
			ErrControl: true,
			DQType:     "centered",
		},
		Params: ProblemConfig{
			Lambda: 1.0,
			Omega:  1.0,
			Mu:     1000.0,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
