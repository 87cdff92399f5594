package peft

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/veneer/pkg/nn"
)

// Dropout positions accepted in configuration.
const (
	DropoutPre  = "pre"
	DropoutPost = "post"
)

// Config is the low-rank adaptation configuration surface. It is immutable
// once handed to NewLoRA.
type Config struct {
	// TargetModules lists the module names to wrap.
	TargetModules []string `yaml:"target_modules"`
	// Dim is the low-rank projection dimension.
	Dim int `yaml:"dim"`
	// Alpha is the weighting factor for the low-rank projection; the delta
	// is scaled by Alpha/Dim.
	Alpha float64 `yaml:"alpha"`
	// Dropout is the drop probability inside the adapter, in [0, 1).
	Dropout float64 `yaml:"dropout"`
	// DropoutPosition is "pre" or "post", placing dropout before or after
	// the low-rank projection.
	DropoutPosition string `yaml:"dropout_position"`
	// Classification optionally extends or overrides the built-in
	// name-to-parallel-class table; values are "column" or "row".
	Classification map[string]string `yaml:"classification,omitempty"`
	// Seed controls the reproducible adapter initialisation.
	Seed int64 `yaml:"seed,omitempty"`
}

// DefaultConfig mirrors the upstream defaults: wrap the attention in/out
// projections at rank 32 with matching alpha and no dropout.
func DefaultConfig() Config {
	return Config{
		TargetModules:   []string{"linear_qkv", "linear_proj"},
		Dim:             32,
		Alpha:           32,
		DropoutPosition: DropoutPost,
	}
}

// DefaultClassification is the built-in target-name to parallel-class
// table. It covers the four fused transformer projections and nothing
// else; unknown target names must be classified explicitly in the Config
// rather than guessed.
func DefaultClassification() map[string]nn.ParallelMode {
	return map[string]nn.ParallelMode{
		"linear_qkv":  nn.ParallelColumn,
		"linear_fc1":  nn.ParallelColumn,
		"linear_proj": nn.ParallelRow,
		"linear_fc2":  nn.ParallelRow,
	}
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if len(c.TargetModules) == 0 {
		return fmt.Errorf("target_modules must not be empty")
	}
	if c.Dim <= 0 {
		return fmt.Errorf("dim must be positive, got %d", c.Dim)
	}
	if c.Alpha <= 0 {
		return fmt.Errorf("alpha must be positive, got %v", c.Alpha)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0, 1), got %v", c.Dropout)
	}
	if c.DropoutPosition != DropoutPre && c.DropoutPosition != DropoutPost {
		return fmt.Errorf("dropout_position must be %q or %q, got %q", DropoutPre, DropoutPost, c.DropoutPosition)
	}
	for name, class := range c.Classification {
		if _, err := parseParallelClass(class); err != nil {
			return fmt.Errorf("classification %q: %w", name, err)
		}
	}
	return nil
}

// classTable resolves the effective classification table: the defaults
// with the config's entries layered on top.
func (c Config) classTable() (map[string]nn.ParallelMode, error) {
	table := DefaultClassification()
	for name, class := range c.Classification {
		mode, err := parseParallelClass(class)
		if err != nil {
			return nil, fmt.Errorf("classification %q: %w", name, err)
		}
		table[name] = mode
	}
	return table, nil
}

func (c Config) isTarget(name string) bool {
	return slices.Contains(c.TargetModules, name)
}

func parseParallelClass(s string) (nn.ParallelMode, error) {
	switch s {
	case "column":
		return nn.ParallelColumn, nil
	case "row":
		return nn.ParallelRow, nil
	default:
		return nn.ParallelNone, fmt.Errorf("unknown parallel class %q (want \"column\" or \"row\")", s)
	}
}

func parseDropoutPosition(s string) (nn.DropoutPosition, error) {
	switch s {
	case DropoutPre:
		return nn.DropoutPre, nil
	case DropoutPost:
		return nn.DropoutPost, nil
	default:
		return 0, fmt.Errorf("unknown dropout position %q", s)
	}
}

// LoadConfig reads a YAML configuration file. Unset fields fall back to
// the defaults before validation.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
