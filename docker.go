package launcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

type DockerNetworkMode string

const (
	DockerNetworkModeBridge DockerNetworkMode = "bridge"
	DockerNetworkModeHost   DockerNetworkMode = "host"
)

func parseNetworkMode(mode string) (DockerNetworkMode, error) {
	switch DockerNetworkMode(mode) {
	case DockerNetworkModeBridge:
		return DockerNetworkModeBridge, nil
	case DockerNetworkModeHost:
		return DockerNetworkModeHost, nil
	default:
		return "", errors.Wrapf(ErrInvalidConfig, "unknown docker network mode %q", mode)
	}
}

func parseMounts(specs []string) ([]mount.Mount, error) {
	var mounts []mount.Mount
	for _, s := range specs {
		source, target, ok := strings.Cut(s, ":")
		if !ok || source == "" || target == "" {
			return nil, errors.Wrapf(ErrInvalidConfig, "mount %q must look like /host/path:/container/path", s)
		}
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: source,
			Target: target,
		})
	}
	return mounts, nil
}

// dockerAPI is the part of the Docker client the runtime needs.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *v1.Platform, containerName string) (container.CreateResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerRuntime runs the bot from a container image instead of a local
// binary. The container sees only the env file variables.
type DockerRuntime struct {
	api         dockerAPI
	Image       string
	NetworkMode DockerNetworkMode
	Mounts      []mount.Mount
	Pull        bool
	// StopTimeout is passed to docker stop, in seconds.
	StopTimeout int
}

func NewDockerRuntime(image string, mode DockerNetworkMode, mounts []mount.Mount, pull bool) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "initializing Docker client")
	}
	return &DockerRuntime{
		api:         cli,
		Image:       image,
		NetworkMode: mode,
		Mounts:      mounts,
		Pull:        pull,
		StopTimeout: 10,
	}, nil
}

func (d *DockerRuntime) pullImage(ctx context.Context) error {
	r, err := d.api.ImagePull(ctx, d.Image, image.PullOptions{})
	if err != nil {
		return errors.Wrapf(err, "pulling %s", d.Image)
	}
	defer r.Close()
	// the pull only completes once the progress stream is drained
	if _, err := io.Copy(io.Discard, r); err != nil {
		return errors.Wrapf(err, "pulling %s", d.Image)
	}
	slog.Info("pulled image", "image", d.Image)
	return nil
}

func (d *DockerRuntime) containerConfig(spec LaunchSpec) (*container.Config, *container.HostConfig) {
	env := stringifyEnvironmentVariables(spec.Env)
	env = append(env, RunIDEnvVar+"="+spec.RunID)

	config := &container.Config{
		Image: d.Image,
		Cmd:   spec.Args,
		Env:   env,
		Labels: map[string]string{
			"ai.frankfurt-sentinel.run-id": spec.RunID,
		},
	}
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(d.NetworkMode),
		Mounts:      d.Mounts,
	}
	return config, hostConfig
}

func containerName(runID string) string {
	if len(runID) > 8 {
		runID = runID[:8]
	}
	return "frankfurt-sentinel-" + runID
}

func (d *DockerRuntime) Run(ctx context.Context, spec LaunchSpec) (int, error) {
	if d.Pull {
		if err := d.pullImage(ctx); err != nil {
			return 1, err
		}
	}

	config, hostConfig := d.containerConfig(spec)
	res, err := d.api.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, &v1.Platform{}, containerName(spec.RunID))
	if err != nil {
		return 1, errors.Wrap(err, "creating bot container")
	}
	// cleanup has to happen even when ctx has been cancelled
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := d.api.ContainerRemove(cleanupCtx, res.ID, container.RemoveOptions{Force: true}); err != nil {
			slog.Warn("error removing bot container", "id", res.ID, "err", err)
		}
	}()

	waitCh, waitErrCh := d.api.ContainerWait(cleanupCtx, res.ID, container.WaitConditionNextExit)

	if err := d.api.ContainerStart(ctx, res.ID, container.StartOptions{}); err != nil {
		return 1, errors.Wrap(err, "starting bot container")
	}
	slog.Info("container started", "id", res.ID, "image", d.Image, "run", spec.RunID)

	var logsDone sync.WaitGroup
	logs, err := d.api.ContainerLogs(cleanupCtx, res.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		slog.Warn("cannot stream bot container logs", "err", err)
	} else {
		_, stdout, stderr := spec.stdio()
		logsDone.Add(1)
		go func() {
			defer logsDone.Done()
			defer logs.Close()
			if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
				slog.Debug("container log stream ended", "err", err)
			}
		}()
	}

	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			slog.Info("stopping bot container", "id", res.ID)
			timeout := d.StopTimeout
			if err := d.api.ContainerStop(cleanupCtx, res.ID, container.StopOptions{Timeout: &timeout}); err != nil {
				slog.Warn("error stopping bot container", "id", res.ID, "err", err)
			}
		case status := <-waitCh:
			logsDone.Wait()
			if status.Error != nil {
				return 1, errors.Errorf("waiting for bot container: %s", status.Error.Message)
			}
			return int(status.StatusCode), nil
		case err := <-waitErrCh:
			return 1, errors.Wrap(err, "waiting for bot container")
		}
	}
}

func stringifyEnvironmentVariables(vars []EnvVar) []string {
	envVars := make([]string, 0, len(vars))
	for _, v := range vars {
		envVars = append(envVars, fmt.Sprintf("%v=%v", v.Key, v.Value))
	}
	return envVars
}
