package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// RunFile is the YAML description of a test-runner invocation.
//
//	runtime: docker
//	args: [compose, exec, -T, app, vendor/bin/phpunit]
//	dir: .
//	env:
//	  XDEBUG_MODE: coverage
//	coverage_file: build/coverage.xml
type RunFile struct {
	Runtime      string            `yaml:"runtime"`
	Args         []string          `yaml:"args"`
	Dir          string            `yaml:"dir"`
	Env          map[string]string `yaml:"env"`
	CoverageFile string            `yaml:"coverage_file"`
}

// LoadRunFile reads a run file. Environment references in dir, env values
// and coverage_file are expanded; a relative dir is resolved against the
// directory holding the file.
func LoadRunFile(path string) (*RunFile, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve run file path: %w", err)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open run file: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	var rf RunFile
	if err := decoder.Decode(&rf); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}

	baseDir := filepath.Dir(absPath)
	dir := os.ExpandEnv(rf.Dir)
	switch {
	case dir == "":
		rf.Dir = baseDir
	case filepath.IsAbs(dir):
		rf.Dir = filepath.Clean(dir)
	default:
		rf.Dir = filepath.Clean(filepath.Join(baseDir, dir))
	}

	for k, v := range rf.Env {
		rf.Env[k] = os.ExpandEnv(v)
	}
	rf.CoverageFile = os.ExpandEnv(rf.CoverageFile)

	return &rf, nil
}

// ApplyRunFile merges rf into cfg. Values already set on cfg (from the
// command line) win; env maps are merged key by key.
func ApplyRunFile(cfg *Config, rf *RunFile) {
	if cfg.Runtime == "" {
		cfg.Runtime = rf.Runtime
		cfg.Args = append([]string(nil), rf.Args...)
	}
	if cfg.Dir == "" {
		cfg.Dir = rf.Dir
	}
	if cfg.CoverageFile == "" {
		cfg.CoverageFile = rf.CoverageFile
	}
	if len(rf.Env) == 0 {
		return
	}
	merged := make(map[string]string, len(rf.Env)+len(cfg.Env))
	for k, v := range rf.Env {
		merged[k] = v
	}
	for k, v := range cfg.Env {
		merged[k] = v
	}
	cfg.Env = merged
}
