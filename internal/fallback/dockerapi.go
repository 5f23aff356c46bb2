package fallback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/randomizedcoder/go-phpunit-supervisor/internal/process"
)

// Compose labels used to resolve a service to its containers.
const (
	labelComposeService = "com.docker.compose.service"
	labelComposeProject = "com.docker.compose.project"
	labelComposeNumber  = "com.docker.compose.container-number"
)

// DefaultAPITimeout bounds one API kill attempt.
const DefaultAPITimeout = 10 * time.Second

type dockerClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error)
	ContainerExecCreate(ctx context.Context, container string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecStart(ctx context.Context, execID string, config types.ExecStartCheck) error
	Close() error
}

// APIKiller runs the kill script through the Docker Engine API instead of
// spawning the docker CLI. The daemon is located from the environment
// (DOCKER_HOST and friends).
type APIKiller struct {
	logger  *slog.Logger
	timeout time.Duration

	client     dockerClient
	clientOnce sync.Once
	clientErr  error
}

// NewAPIKiller creates a killer with a lazily connected Docker client.
func NewAPIKiller(logger *slog.Logger, timeout time.Duration) *APIKiller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if timeout <= 0 {
		timeout = DefaultAPITimeout
	}
	return &APIKiller{logger: logger, timeout: timeout}
}

func newAPIKillerWithClient(c dockerClient, timeout time.Duration) *APIKiller {
	k := NewAPIKiller(nil, timeout)
	k.clientOnce.Do(func() { k.client = c })
	return k
}

func (k *APIKiller) getClient() (dockerClient, error) {
	k.clientOnce.Do(func() {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			k.clientErr = err
			return
		}
		k.client = cli
	})
	return k.client, k.clientErr
}

// Mode returns ModeAPI.
func (k *APIKiller) Mode() Mode {
	return ModeAPI
}

// Kill starts the API kill in the background and returns immediately.
// Failures are logged at debug level only; use KillAsync to observe them.
func (k *APIKiller) Kill(ctx context.Context, target Target, opts process.SpawnOptions) error {
	k.KillAsync(ctx, target, opts, nil)
	return nil
}

// KillAsync runs the API kill in the background, bounded by the killer's
// timeout, and reports its outcome to done when non-nil.
func (k *APIKiller) KillAsync(_ context.Context, target Target, _ process.SpawnOptions, done func(error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
		defer cancel()
		err := k.Exec(ctx, target)
		if err != nil {
			k.logger.Debug("fallback_api_kill_failed",
				"target", target.Name,
				"error", err,
			)
		}
		if done != nil {
			done(err)
		}
	}()
}

// Exec resolves target to a container and runs the kill script in it,
// detached. It returns once the daemon accepted the exec.
func (k *APIKiller) Exec(ctx context.Context, target Target) error {
	cli, err := k.getClient()
	if err != nil {
		return fmt.Errorf("create docker client: %w", err)
	}

	containerID := target.Name
	if target.Compose {
		containerID, err = k.resolveService(ctx, cli, target)
		if err != nil {
			return err
		}
	}

	resp, err := cli.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:    []string{Shell, "-c", KillScript},
		Detach: true,
	})
	if err != nil {
		return fmt.Errorf("exec create in %s: %w", containerID, err)
	}

	if err := cli.ContainerExecStart(ctx, resp.ID, types.ExecStartCheck{Detach: true}); err != nil {
		return fmt.Errorf("exec start in %s: %w", containerID, err)
	}

	k.logger.Debug("fallback_api_kill_started",
		"container", containerID,
		"exec_id", resp.ID,
	)
	return nil
}

// resolveService finds the running container of a compose service. The
// --index container is preferred, then container number 1, then the lowest ID.
func (k *APIKiller) resolveService(ctx context.Context, cli dockerClient, target Target) (string, error) {
	args := filters.NewArgs(filters.Arg("label", labelComposeService+"="+target.Name))
	if target.Project != "" {
		args.Add("label", labelComposeProject+"="+target.Project)
	}

	containers, err := cli.ContainerList(ctx, types.ContainerListOptions{Filters: args})
	if err != nil {
		return "", fmt.Errorf("list containers for service %s: %w", target.Name, err)
	}
	if len(containers) == 0 {
		return "", fmt.Errorf("service %s: %w", target.Name, ErrNoContainers)
	}

	sort.Slice(containers, func(i, j int) bool { return containers[i].ID < containers[j].ID })

	want := target.Index
	if want == "" {
		want = "1"
	}
	for _, c := range containers {
		if c.Labels[labelComposeNumber] == want {
			return c.ID, nil
		}
	}
	if target.Index != "" {
		return "", fmt.Errorf("service %s index %s: %w", target.Name, target.Index, ErrNoContainers)
	}
	return containers[0].ID, nil
}

// Ping checks that the Docker daemon is reachable.
func (k *APIKiller) Ping(ctx context.Context) error {
	cli, err := k.getClient()
	if err != nil {
		return fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// Close releases the Docker client if one was created.
func (k *APIKiller) Close() error {
	if k.client == nil {
		return nil
	}
	return k.client.Close()
}
