package fallback

import (
	"context"
	"errors"
	"fmt"

	"github.com/randomizedcoder/go-phpunit-supervisor/internal/process"
)

// Mode selects how the in-container kill is delivered.
type Mode string

const (
	// ModeCLI spawns the derived docker / docker compose command. Default.
	ModeCLI Mode = "cli"

	// ModeAPI execs the kill script through the Docker Engine API.
	ModeAPI Mode = "api"

	// ModeOff disables the fallback kill.
	ModeOff Mode = "off"
)

// ParseMode validates a mode name. The empty string selects ModeCLI.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeCLI:
		return ModeCLI, nil
	case ModeAPI, ModeOff:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown fallback mode %q (want cli, api or off)", s)
}

// Killer delivers the fallback kill for an aborted run.
// Implementations must not block on the killed processes.
type Killer interface {
	Kill(ctx context.Context, target Target, opts process.SpawnOptions) error
	Mode() Mode
}

// AsyncKiller is a Killer whose outcome is only known after Kill would
// return. KillAsync must not block; done is called exactly once.
type AsyncKiller interface {
	Killer
	KillAsync(ctx context.Context, target Target, opts process.SpawnOptions, done func(error))
}

// ErrNoContainers is returned when a compose service resolves to no running container.
var ErrNoContainers = errors.New("no running container for target")

// CLIKiller spawns the derived fallback command, detached.
type CLIKiller struct {
	launcher process.Launcher
}

// NewCLIKiller creates a killer that spawns through launcher.
func NewCLIKiller(launcher process.Launcher) *CLIKiller {
	return &CLIKiller{launcher: launcher}
}

// Kill spawns the fallback command with only the working directory and
// environment of the original launch.
func (k *CLIKiller) Kill(_ context.Context, target Target, opts process.SpawnOptions) error {
	cmd := target.Command()
	return k.launcher.StartDetached(process.RunSpec{
		Runtime: cmd.Runtime,
		Args:    cmd.Args,
		Options: process.SpawnOptions{Dir: opts.Dir, Env: opts.Env},
	})
}

// Mode returns ModeCLI.
func (k *CLIKiller) Mode() Mode {
	return ModeCLI
}

// NopKiller never kills anything.
type NopKiller struct{}

// Kill does nothing.
func (NopKiller) Kill(context.Context, Target, process.SpawnOptions) error { return nil }

// Mode returns ModeOff.
func (NopKiller) Mode() Mode { return ModeOff }
