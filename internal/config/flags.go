package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// BindFlags registers every option on fs with cfg's current values as
// defaults. Flags are grouped by annotation for the usage output.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	// Command
	fs.StringVarP(&cfg.RunFile, "run-file", "f", cfg.RunFile, "YAML run file describing the command (runtime, args, dir, env, coverage_file)")
	fs.StringVarP(&cfg.Dir, "dir", "C", cfg.Dir, "Working directory for the test runner")
	fs.StringToStringVarP(&cfg.Env, "env", "e", cfg.Env, "Environment override KEY=VALUE (can repeat)")
	fs.StringVar(&cfg.CoverageFile, "coverage-file", cfg.CoverageFile, "Coverage report path written by the runner")

	// Cancellation
	fs.StringVar(&cfg.FallbackMode, "fallback-mode", cfg.FallbackMode, `Container kill on abort: "cli", "api" or "off"`)
	fs.DurationVar(&cfg.APITimeout, "api-timeout", cfg.APITimeout, "Docker API timeout for the api fallback mode")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Abort a run after this long (0 = no limit)")

	// Repetition
	fs.IntVar(&cfg.Repeat, "repeat", cfg.Repeat, "Run the command this many times")
	fs.BoolVar(&cfg.StopOnFailure, "stop-on-failure", cfg.StopOnFailure, "Stop repeating after the first failed run")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty = disabled)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Verbose logging (logs every output line)")
	fs.BoolVar(&cfg.TUI, "tui", cfg.TUI, "Show the live terminal viewer (default when stdout is a terminal)")

	// Run reports
	fs.StringSliceVar(&cfg.KafkaBrokers, "kafka-brokers", cfg.KafkaBrokers, "Kafka brokers for run reports (host:port, comma separated)")
	fs.StringVar(&cfg.KafkaTopic, "kafka-topic", cfg.KafkaTopic, "Kafka topic for run reports")

	// Safety & Diagnostics
	fs.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print the test runner command and exit")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	for group, names := range flagGroups {
		for _, name := range names {
			_ = fs.SetAnnotation(name, groupAnnotation, []string{group})
		}
	}
}

const groupAnnotation = "phpunit-supervisor/group"

// flagGroups orders flags by category for FlagUsages.
var flagGroups = map[string][]string{
	"Command":              {"run-file", "dir", "env", "coverage-file"},
	"Cancellation":         {"fallback-mode", "api-timeout", "timeout"},
	"Repetition":           {"repeat", "stop-on-failure"},
	"Observability":        {"metrics", "log-format", "log-level", "verbose", "tui"},
	"Run Reports":          {"kafka-brokers", "kafka-topic"},
	"Safety & Diagnostics": {"print-cmd", "skip-preflight"},
}

var groupOrder = []string{"Command", "Cancellation", "Repetition", "Observability", "Run Reports", "Safety & Diagnostics"}

// FlagUsages renders fs grouped by category. Flags without a group are
// listed last under "Other".
func FlagUsages(fs *pflag.FlagSet) string {
	var b strings.Builder
	grouped := make(map[string]*pflag.FlagSet)
	other := pflag.NewFlagSet("other", pflag.ContinueOnError)

	fs.VisitAll(func(f *pflag.Flag) {
		group := "Other"
		if g, ok := f.Annotations[groupAnnotation]; ok && len(g) > 0 {
			group = g[0]
		}
		if group == "Other" {
			other.AddFlag(f)
			return
		}
		if grouped[group] == nil {
			grouped[group] = pflag.NewFlagSet(group, pflag.ContinueOnError)
		}
		grouped[group].AddFlag(f)
	})

	for _, group := range groupOrder {
		set := grouped[group]
		if set == nil {
			continue
		}
		fmt.Fprintf(&b, "%s Flags:\n%s\n", group, set.FlagUsages())
	}
	if other.HasFlags() {
		fmt.Fprintf(&b, "Other Flags:\n%s\n", other.FlagUsages())
	}
	return b.String()
}

// SplitCommand applies positional arguments to cfg: the first is the
// runtime, the rest are its arguments.
func SplitCommand(cfg *Config, args []string) {
	if len(args) == 0 {
		return
	}
	cfg.Runtime = args[0]
	cfg.Args = append([]string(nil), args[1:]...)
}
