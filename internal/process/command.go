package process

import (
	"context"
	"strings"
)

// CommandConfig holds a fully assembled test-runner invocation.
type CommandConfig struct {
	// Runtime is the launcher binary, e.g. "vendor/bin/phpunit" or "docker".
	Runtime string

	// Args are passed to Runtime verbatim.
	Args []string

	// Options are applied when spawning.
	Options SpawnOptions

	// CoverageFile is the coverage report path associated with the run, if any.
	CoverageFile string
}

// StaticBuilder implements Builder for a command that is known up front.
type StaticBuilder struct {
	config *CommandConfig
}

// NewStaticBuilder creates a builder returning cfg on every Build.
func NewStaticBuilder(cfg *CommandConfig) *StaticBuilder {
	return &StaticBuilder{
		config: cfg,
	}
}

// Name returns the base name of the runtime.
func (b *StaticBuilder) Name() string {
	if b.config.Runtime == "" {
		return "static"
	}
	name := b.config.Runtime
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// Build returns a copy of the configured command.
func (b *StaticBuilder) Build(ctx context.Context) (RunSpec, error) {
	if err := ctx.Err(); err != nil {
		return RunSpec{}, err
	}
	if b.config.Runtime == "" {
		return RunSpec{}, ErrNoRuntime
	}
	spec := RunSpec{
		Runtime: b.config.Runtime,
		Args:    b.config.Args,
		Options: b.config.Options,
	}
	return spec.Clone(), nil
}

// CoverageFile returns the configured coverage file path.
func (b *StaticBuilder) CoverageFile() string {
	return b.config.CoverageFile
}

// Config returns the command configuration.
func (b *StaticBuilder) Config() *CommandConfig {
	return b.config
}

// CommandString returns the command that would be executed (for debugging).
// Arguments containing whitespace or shell metacharacters are single-quoted.
func (b *StaticBuilder) CommandString() string {
	parts := make([]string, 0, len(b.config.Args)+1)
	parts = append(parts, quoteArg(b.config.Runtime))
	for _, a := range b.config.Args {
		parts = append(parts, quoteArg(a))
	}
	return strings.Join(parts, " ")
}

func quoteArg(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`|&;<>()*?[]#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
