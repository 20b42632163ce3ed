package adapter

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/platform/env"
	"gopkg.in/yaml.v3"
)

const (
	placeholderSelectors = "{selectors}"
	placeholderWorkers   = "{workers}"
)

// Definition describes how to launch a framework as a subprocess.
type Definition struct {
	ID           string            `yaml:"id"`
	Command      []string          `yaml:"command"`
	WorkerArgs   []string          `yaml:"workerArgs,omitempty"`
	HeadedArgs   []string          `yaml:"headedArgs,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	SelectorRoot string            `yaml:"selectorRoot,omitempty"`
}

type fileFormat struct {
	Adapters []Definition `yaml:"adapters"`
}

type Config struct {
	File         string
	SelectorRoot string
	KillGrace    time.Duration
}

func ConfigFromEnv() (Config, error) {
	grace, err := env.Duration("EXECUTION_KILL_GRACE", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		File:         env.String("ADAPTERS_FILE", ""),
		SelectorRoot: env.String("SELECTOR_ROOT", "."),
		KillGrace:    grace,
	}
	if cfg.KillGrace < 0 {
		return Config{}, errors.New("EXECUTION_KILL_GRACE must be >= 0")
	}
	return cfg, nil
}

func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("adapter id is required")
	}
	if len(d.Command) == 0 || strings.TrimSpace(d.Command[0]) == "" {
		return fmt.Errorf("adapter %s: command is required", d.ID)
	}
	found := false
	for _, arg := range d.Command {
		if arg == placeholderSelectors {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("adapter %s: command must contain %s", d.ID, placeholderSelectors)
	}
	return nil
}

// DefaultDefinitions covers the frameworks supported out of the box.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			ID:         "playwright",
			Command:    []string{"npx", "playwright", "test", placeholderSelectors},
			WorkerArgs: []string{"--workers=" + placeholderWorkers},
			HeadedArgs: []string{"--headed"},
		},
		{
			ID:         "pytest",
			Command:    []string{"python", "-m", "pytest", placeholderSelectors},
			WorkerArgs: []string{"-n", placeholderWorkers},
		},
		{
			ID:      "newman",
			Command: []string{"newman", "run", placeholderSelectors},
		},
		{
			ID:      "k6",
			Command: []string{"k6", "run", placeholderSelectors},
		},
	}
}

// LoadDefinitions reads adapter definitions from a YAML file.
func LoadDefinitions(path string) ([]Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read adapters file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var f fileFormat
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse adapters file %s: %w", filepath.Base(path), err)
	}
	if len(f.Adapters) == 0 {
		return nil, fmt.Errorf("adapters file %s defines no adapters", filepath.Base(path))
	}
	for _, d := range f.Adapters {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Adapters, nil
}
