// Package preflight provides startup validation checks.
package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/randomizedcoder/go-phpunit-supervisor/internal/fallback"
)

// pingTimeout bounds the Docker daemon check.
const pingTimeout = 5 * time.Second

// Check represents the result of a single preflight check.
type Check struct {
	Name    string // Name of the check
	Passed  bool   // Whether the check passed
	Warning bool   // True if it's a warning (non-fatal)
	Message string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// Pinger reports whether the Docker daemon is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options describes the run being checked.
type Options struct {
	Runtime      string
	Args         []string
	Dir          string
	FallbackMode fallback.Mode

	// Docker is pinged when FallbackMode is api.
	Docker Pinger
}

// RunAll executes all preflight checks.
func RunAll(ctx context.Context, opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 4),
		Passed: true,
	}

	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	add(checkWorkDir(opts.Dir))
	add(checkRuntime(opts.Runtime, opts.Dir))
	add(checkFallbackTarget(opts.Runtime, opts.Args, opts.FallbackMode))
	if opts.FallbackMode == fallback.ModeAPI {
		add(checkDocker(ctx, opts.Docker))
	}

	return result
}

// checkWorkDir verifies the working directory exists.
func checkWorkDir(dir string) Check {
	if dir == "" {
		return Check{
			Name:    "work_dir",
			Passed:  true,
			Message: "current directory",
		}
	}

	info, err := os.Stat(dir)
	switch {
	case err != nil:
		return Check{
			Name:    "work_dir",
			Passed:  false,
			Message: fmt.Sprintf("%s: %v", dir, err),
		}
	case !info.IsDir():
		return Check{
			Name:    "work_dir",
			Passed:  false,
			Message: fmt.Sprintf("%s is not a directory", dir),
		}
	}

	return Check{
		Name:    "work_dir",
		Passed:  true,
		Message: dir,
	}
}

// checkRuntime verifies the test runner can be resolved. A relative path
// containing a separator is resolved against dir, as the launcher does.
func checkRuntime(runtime, dir string) Check {
	lookup := runtime
	if strings.ContainsAny(runtime, `/\`) && !filepath.IsAbs(runtime) && dir != "" {
		lookup = filepath.Join(dir, runtime)
	}

	path, err := exec.LookPath(lookup)
	if err != nil {
		return Check{
			Name:    "runtime",
			Passed:  false,
			Message: fmt.Sprintf("%s not found: %v", runtime, err),
		}
	}

	return Check{
		Name:    "runtime",
		Passed:  true,
		Message: fmt.Sprintf("found at %s", path),
	}
}

// checkFallbackTarget reports what an abort will be able to stop.
// It never fails.
func checkFallbackTarget(runtime string, args []string, mode fallback.Mode) Check {
	c := Check{Name: "fallback_target", Passed: true}

	switch {
	case mode == fallback.ModeOff:
		c.Message = "disabled (--fallback-mode=off)"
	case !fallback.IsContainerRuntime(runtime):
		c.Message = "local process only"
	default:
		target, ok := fallback.DeriveTarget(runtime, args)
		if !ok {
			c.Warning = true
			c.Message = "no exec target found; abort will only stop the local process"
			break
		}
		kind := "container"
		if target.Compose {
			kind = "service"
		}
		c.Message = fmt.Sprintf("%s %s (%s mode)", kind, target.Name, mode)
	}

	return c
}

// checkDocker verifies the Docker daemon answers a ping.
func checkDocker(ctx context.Context, p Pinger) Check {
	if p == nil {
		return Check{
			Name:    "docker_daemon",
			Passed:  false,
			Message: "no docker client configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		return Check{
			Name:    "docker_daemon",
			Passed:  false,
			Message: err.Error(),
		}
	}

	return Check{
		Name:    "docker_daemon",
		Passed:  true,
		Message: "reachable",
	}
}

// PrintResults writes the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "work_dir":
		return "pass an existing directory with --dir (or dir: in the run file)"
	case "runtime":
		return "install the test runner (composer install) or pass the full path"
	case "docker_daemon":
		return "start Docker, check DOCKER_HOST, or use --fallback-mode=cli"
	default:
		return "see --help"
	}
}
