// Package fallback derives and runs the in-container kill that accompanies
// an aborted docker exec / docker compose exec test run.
//
// Killing the local docker CLI does not stop the process it started inside
// the container. When the launcher is recognised as a container-exec wrapper,
// a second command is built that reaches into the same container and kills
// the test-runner processes by name.
package fallback

import (
	"path/filepath"
	"strings"
)

// KillScript is run with /bin/sh -c inside the target container.
// The bracketed first letter keeps pkill from matching the shell running the
// script itself; each kill tolerates "no such process".
const KillScript = "pkill -f '[p]hpunit' || true; pkill -f '[p]est' || true; pkill -f '[p]aratest' || true"

// Shell is the interpreter used inside the container.
const Shell = "/bin/sh"

// OptionSet lists exec options that consume the following token as their value.
type OptionSet map[string]struct{}

// Has reports whether opt takes a value.
func (s OptionSet) Has(opt string) bool {
	_, ok := s[opt]
	return ok
}

var (
	// DockerExecOptions are the value-taking options of `docker exec`.
	DockerExecOptions = OptionSet{
		"--detach-keys": {},
		"--env":         {},
		"-e":            {},
		"--env-file":    {},
		"--user":        {},
		"-u":            {},
		"--workdir":     {},
		"-w":            {},
	}

	// ComposeExecOptions are the value-taking options of `docker compose exec`.
	ComposeExecOptions = OptionSet{
		"--env":     {},
		"-e":        {},
		"--user":    {},
		"-u":        {},
		"--workdir": {},
		"-w":        {},
		"--index":   {},
	}
)

// Target identifies the container a test run was exec'd into.
type Target struct {
	// Runtime is the original launcher, e.g. "/usr/bin/docker".
	Runtime string

	// Prefix holds the original arguments before the exec token,
	// e.g. ["compose", "-f", "docker-compose.yml"].
	Prefix []string

	// Name is the container (docker) or service (compose) name.
	Name string

	// Compose is true when Name is a compose service.
	Compose bool

	// Project is the compose project from -p/--project-name, if given.
	Project string

	// Index is the compose --index value, if given.
	Index string
}

// Command is a process to spawn for the fallback kill.
type Command struct {
	Runtime string
	Args    []string
}

// Command returns the fallback kill command for t: the original runtime and
// prefix followed by exec, the target, and the kill script.
func (t Target) Command() Command {
	args := make([]string, 0, len(t.Prefix)+5)
	args = append(args, t.Prefix...)
	args = append(args, "exec", t.Name, Shell, "-c", KillScript)
	return Command{Runtime: t.Runtime, Args: args}
}

// IsContainerRuntime reports whether runtime names the docker or
// docker-compose CLI. Only the final path segment is compared, case-insensitively.
func IsContainerRuntime(runtime string) bool {
	switch runtimeName(runtime) {
	case "docker", "docker-compose":
		return true
	}
	return false
}

// DeriveTarget inspects the original launch and returns the exec target.
// ok is false when runtime is not a container wrapper or no target can be found.
func DeriveTarget(runtime string, args []string) (Target, bool) {
	name := runtimeName(runtime)
	if name != "docker" && name != "docker-compose" {
		return Target{}, false
	}

	execIdx := indexOf(args, "exec")
	if execIdx < 0 {
		return Target{}, false
	}
	prefix := args[:execIdx]

	compose := name == "docker-compose" || indexOf(prefix, "compose") >= 0
	opts := DockerExecOptions
	if compose {
		opts = ComposeExecOptions
	}

	execArgs := args[execIdx+1:]
	pos := targetIndex(execArgs, opts)
	if pos < 0 {
		return Target{}, false
	}

	t := Target{
		Runtime: runtime,
		Prefix:  append([]string(nil), prefix...),
		Name:    execArgs[pos],
		Compose: compose,
	}
	if compose {
		t.Project = optionValue(prefix, "-p", "--project-name")
		t.Index = optionValue(execArgs[:pos], "--index")
	}
	return t, true
}

// Derive returns the fallback kill command for the original launch.
func Derive(runtime string, args []string) (Command, bool) {
	t, ok := DeriveTarget(runtime, args)
	if !ok {
		return Command{}, false
	}
	return t.Command(), true
}

// FindTarget scans the tokens following exec and returns the first
// non-option token, or the token right after "--".
//
// Options in opts consume the next token; "--opt=value" forms and unknown
// dash-prefixed tokens are skipped on their own.
func FindTarget(tokens []string, opts OptionSet) (string, bool) {
	i := targetIndex(tokens, opts)
	if i < 0 {
		return "", false
	}
	return tokens[i], true
}

func targetIndex(tokens []string, opts OptionSet) int {
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok == "--" {
			if i+1 < len(tokens) {
				return i + 1
			}
			return -1
		}
		if !strings.HasPrefix(tok, "-") {
			return i
		}
		if strings.Contains(tok, "=") {
			continue
		}
		if opts.Has(tok) {
			i++
		}
	}
	return -1
}

// optionValue returns the value of the first matching option, in either the
// "--name value" or "--name=value" form, stopping at "--".
func optionValue(tokens []string, names ...string) string {
	for i, tok := range tokens {
		if tok == "--" {
			return ""
		}
		for _, name := range names {
			if tok == name && i+1 < len(tokens) {
				return tokens[i+1]
			}
			if v, ok := strings.CutPrefix(tok, name+"="); ok {
				return v
			}
		}
	}
	return ""
}

// runtimeName returns the lower-cased base name of runtime with any
// Windows executable suffix removed.
func runtimeName(runtime string) string {
	base := runtime
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	base = filepath.Base(base)
	base = strings.ToLower(base)
	return strings.TrimSuffix(base, ".exe")
}

func indexOf(tokens []string, s string) int {
	for i, tok := range tokens {
		if tok == s {
			return i
		}
	}
	return -1
}
