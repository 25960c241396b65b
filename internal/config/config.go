// Package config manages migration configuration and the .kbdump project
// directory that holds it together with replay checkpoints.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	ProjectDir     = ".kbdump"
	ConfigFile     = "migration.toml"
	CheckpointFile = "checkpoints.db"
)

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Dump configures extraction.
type Dump struct {
	ChunkSize        int      `toml:"chunk_size"`
	FlushEvery       int      `toml:"flush_every"`
	FailOnFirstError bool     `toml:"fail_on_first_error"`
	IncludeTypes     []string `toml:"include_types,omitempty"`
	ExcludeTypes     []string `toml:"exclude_types,omitempty"`
}

// LoadConfig configures replay.
type LoadConfig struct {
	BufferSize        int      `toml:"buffer_size"`
	MaxDataSize       int      `toml:"max_data_size"`
	StatementSize     int      `toml:"statement_size"`
	ChunkSize         int      `toml:"chunk_size"`
	MarkerRevision    int64    `toml:"marker_revision,omitempty"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	SlowChangeSet     Duration `toml:"slow_changeset"`
	MaxRetries        int      `toml:"max_retries"`
	RetryBackoff      Duration `toml:"retry_backoff"`
}

// Stage configures one rewriter or row transformer. Which keys apply depends
// on Kind. A stage with Module and Before set only runs for dumps recording
// no version of Module or a version lower than Before.
type Stage struct {
	Kind   string `toml:"kind"`
	Module string `toml:"module,omitempty"`
	Before string `toml:"before,omitempty"`

	Types      []string `toml:"types,omitempty"`
	Type       string   `toml:"type,omitempty"`
	Table      string   `toml:"table,omitempty"`
	From       string   `toml:"from,omitempty"`
	To         string   `toml:"to,omitempty"`
	Name       string   `toml:"name,omitempty"`
	Value      string   `toml:"value,omitempty"`
	ValueKind  string   `toml:"value_kind,omitempty"`
	Attributes []string `toml:"attributes,omitempty"`
}

// Migration is the complete migration configuration.
type Migration struct {
	Dump         Dump              `toml:"dump"`
	Load         LoadConfig        `toml:"load"`
	Renames      map[string]string `toml:"renames,omitempty"`
	Modules      map[string]string `toml:"modules,omitempty"`
	Rewriters    []Stage           `toml:"rewriter,omitempty"`
	Transformers []Stage           `toml:"transformer,omitempty"`

	path string
}

// Default returns a configuration with every knob set.
func Default() *Migration {
	return &Migration{
		Dump: Dump{
			ChunkSize:  1000,
			FlushEvery: 1000,
		},
		Load: LoadConfig{
			BufferSize:        10000,
			MaxDataSize:       10 << 20,
			StatementSize:     1000,
			ChunkSize:         1000,
			HeartbeatInterval: Duration{30 * time.Second},
			SlowChangeSet:     Duration{5 * time.Second},
			MaxRetries:        3,
			RetryBackoff:      Duration{500 * time.Millisecond},
		},
	}
}

// RewriterKinds and TransformerKinds list the accepted stage kinds.
var (
	RewriterKinds = []string{
		"filter-types", "rename-type", "rename-attribute", "drop-attribute",
		"set-attribute", "shift-revisions",
	}
	TransformerKinds = []string{
		"drop-table", "rename-table", "rename-column", "drop-column", "set-column",
	}
)

// Validate checks sizes and stage kinds.
func (m *Migration) Validate() error {
	positive := map[string]int{
		"dump.chunk_size":     m.Dump.ChunkSize,
		"dump.flush_every":    m.Dump.FlushEvery,
		"load.buffer_size":    m.Load.BufferSize,
		"load.max_data_size":  m.Load.MaxDataSize,
		"load.statement_size": m.Load.StatementSize,
		"load.chunk_size":     m.Load.ChunkSize,
	}
	for key, v := range positive {
		if v < 1 {
			return fmt.Errorf("%s must be positive, got %d", key, v)
		}
	}
	if m.Load.MaxRetries < 0 {
		return fmt.Errorf("load.max_retries must not be negative, got %d", m.Load.MaxRetries)
	}
	for i, s := range m.Rewriters {
		if !contains(RewriterKinds, s.Kind) {
			return fmt.Errorf("rewriter %d: unknown kind %q", i, s.Kind)
		}
	}
	for i, s := range m.Transformers {
		if !contains(TransformerKinds, s.Kind) {
			return fmt.Errorf("transformer %d: unknown kind %q", i, s.Kind)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// LoadFile reads a configuration file over the defaults.
func LoadFile(path string) (*Migration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	cfg.path = filepath.Dir(path)
	return cfg, nil
}

// FindProjectRoot finds the .kbdump directory by walking up from the current
// directory.
func FindProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		projectPath := filepath.Join(dir, ProjectDir)
		if info, err := os.Stat(projectPath); err == nil && info.IsDir() {
			return projectPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a kbdump project (or any parent up to root)")
		}
		dir = parent
	}
}

// Load loads the project configuration, or the defaults outside a project.
func Load() (*Migration, error) {
	projectPath, err := FindProjectRoot()
	if err != nil {
		return Default(), nil
	}
	return LoadFile(filepath.Join(projectPath, ConfigFile))
}

// Save writes the configuration into its project directory.
func (m *Migration) Save() error {
	if m.path == "" {
		return fmt.Errorf("config has no project directory")
	}
	data, err := toml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(m.path, ConfigFile), data, 0644)
}

// ProjectPath returns the project directory, or "" outside a project.
func (m *Migration) ProjectPath() string { return m.path }

// CheckpointPath returns the path of the checkpoint database.
func (m *Migration) CheckpointPath() string {
	if m.path == "" {
		return CheckpointFile
	}
	return filepath.Join(m.path, CheckpointFile)
}

// Initialize creates a .kbdump directory in dir with the default configuration.
func Initialize(dir string) (*Migration, error) {
	projectPath := filepath.Join(dir, ProjectDir)

	if _, err := os.Stat(projectPath); err == nil {
		return nil, fmt.Errorf("kbdump project already exists")
	}
	if err := os.MkdirAll(projectPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s directory: %w", ProjectDir, err)
	}

	cfg := Default()
	cfg.path = projectPath
	if err := cfg.Save(); err != nil {
		os.RemoveAll(projectPath)
		return nil, err
	}
	return cfg, nil
}
