// Package docker implements a container-isolated execution mode for the
// agent dispatcher (internal/dispatch): an Adapter whose capabilities set
// RequiresContainer runs here, inside a throwaway container bind-mounted
// to its worktree, instead of through a bare os/exec subprocess.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/basket/substrate/internal/dispatch"
)

// Config configures an Executor.
type Config struct {
	Image       string // defaults to "golang:alpine"
	MemoryMB    int64  // defaults to 512
	NetworkMode string // defaults to "none"
}

// Executor runs dispatcher commands inside ephemeral, auto-removed
// containers. One Executor is shared across every dispatch that
// requests container isolation.
type Executor struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
}

// New connects to the Docker daemon reachable through the environment
// (DOCKER_HOST and friends), negotiating the API version.
func New(cfg Config) (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox/docker: new client: %w", err)
	}
	image := cfg.Image
	if image == "" {
		image = "golang:alpine"
	}
	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 512
	}
	networkMode := cfg.NetworkMode
	if networkMode == "" {
		networkMode = "none"
	}
	return &Executor{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
	}, nil
}

// Mode implements dispatch.SandboxExecutor.
func (e *Executor) Mode() string { return dispatch.SandboxModeContainer }

// Close releases the underlying Docker client.
func (e *Executor) Close() error {
	return e.client.Close()
}

// Run implements dispatch.SandboxExecutor. It creates an ephemeral
// container from cmd, bind-mounts cmd.Cwd to /workspace, waits for the
// container to exit, demuxes its combined log stream into stdout/stderr,
// and lets Docker's AutoRemove clean the container up.
func (e *Executor) Run(ctx context.Context, cmd dispatch.Command, stdout, stderr io.Writer) (int, error) {
	resp, err := e.client.ContainerCreate(ctx, &container.Config{
		Image:      e.image,
		Cmd:        []string{"sh", "-c", quoteShellCommand(cmd.Binary, cmd.Args)},
		Env:        cmd.Env,
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: e.memoryBytes},
		NetworkMode: container.NetworkMode(e.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", cmd.Cwd)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return -1, fmt.Errorf("sandbox/docker: create container: %w", err)
	}
	containerID := resp.ID

	if err := e.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("sandbox/docker: start container: %w", err)
	}

	statusCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("sandbox/docker: wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = e.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		return -1, ctx.Err()
	}

	logs, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return exitCode, fmt.Errorf("sandbox/docker: get logs: %w", err)
	}
	defer logs.Close()
	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
		return exitCode, fmt.Errorf("sandbox/docker: demux logs: %w", err)
	}
	return exitCode, nil
}

// quoteShellCommand joins binary+args into a single POSIX shell command
// line, single-quoting each token so prompt text containing spaces or
// shell metacharacters survives the "sh -c" hop into the container.
func quoteShellCommand(binary string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quoteArg(binary))
	for _, a := range args {
		parts = append(parts, quoteArg(a))
	}
	return strings.Join(parts, " ")
}

func quoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
