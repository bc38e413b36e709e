package adapter

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/log"
)

// DockerRunner executes one-shot commands in containers via the Docker API.
// It backs the container knob on shell steps.
type DockerRunner struct {
	client *client.Client
	logger zerolog.Logger
}

// NewDockerRunner creates a runner against the ambient Docker daemon.
func NewDockerRunner() (*DockerRunner, error) {
	c, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRunner{client: c, logger: log.WithComponent("docker")}, nil
}

// Close closes the Docker client.
func (d *DockerRunner) Close() error {
	return d.client.Close()
}

// Run creates, starts, and waits for a container running the command,
// returning its exit code and demultiplexed output.
func (d *DockerRunner) Run(ctx context.Context, image, command, cwd string, env []string) (int, string, string, error) {
	cfg := &container.Config{
		Image:      image,
		Cmd:        []string{"/bin/sh", "-c", command},
		WorkingDir: cwd,
		Env:        env,
	}
	host := &container.HostConfig{}
	if cwd != "" {
		host.Binds = []string{cwd + ":" + cwd}
	}

	created, err := d.client.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return -1, "", "", fmt.Errorf("container create: %w", err)
	}
	defer func() {
		if err := d.client.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true}); err != nil {
			d.logger.Debug().Err(err).Str("container_id", created.ID).Msg("Container remove failed")
		}
	}()

	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return -1, "", "", fmt.Errorf("container start: %w", err)
	}

	waitCh, errCh := d.client.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case res := <-waitCh:
		exitCode = int(res.StatusCode)
	case err := <-errCh:
		return -1, "", "", fmt.Errorf("container wait: %w", err)
	case <-ctx.Done():
		return -1, "", "", ctx.Err()
	}

	logs, err := d.client.ContainerLogs(ctx, created.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return exitCode, "", "", fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return exitCode, "", "", fmt.Errorf("demux container logs: %w", err)
	}
	return exitCode, stdout.String(), stderr.String(), nil
}
