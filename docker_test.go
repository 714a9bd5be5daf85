package launcher

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type fakeDocker struct {
	pulled     []string
	created    *container.Config
	hostConfig *container.HostConfig
	name       string
	started    bool
	stopped    bool
	removed    bool
	exitCode   int64
	logs       []byte
	// holdUntilStop keeps the container running until ContainerStop.
	holdUntilStop bool
	waitCh        chan container.WaitResponse
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(bytes.NewReader([]byte(`{"status":"Downloaded"}`))), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *v1.Platform, containerName string) (container.CreateResponse, error) {
	f.created = config
	f.hostConfig = hostConfig
	f.name = containerName
	return container.CreateResponse{ID: "c0ffee"}, nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	f.waitCh = make(chan container.WaitResponse, 1)
	return f.waitCh, make(chan error)
}

func (f *fakeDocker) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.started = true
	if !f.holdUntilStop {
		f.waitCh <- container.WaitResponse{StatusCode: f.exitCode}
	}
	return nil
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	f.stopped = true
	f.waitCh <- container.WaitResponse{StatusCode: 143}
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.removed = true
	return nil
}

type DockerRuntimeTestSuite struct {
	suite.Suite
	api *fakeDocker
	rt  *DockerRuntime
}

func TestDockerRuntimeSuite(t *testing.T) {
	suite.Run(t, new(DockerRuntimeTestSuite))
}

func (s *DockerRuntimeTestSuite) SetupTest() {
	s.api = &fakeDocker{}
	s.rt = &DockerRuntime{
		api:         s.api,
		Image:       "ghcr.io/example/frankfurt-sentinel:latest",
		NetworkMode: DockerNetworkModeHost,
		Pull:        true,
		StopTimeout: 1,
	}
}

func multiplexed(stdout, stderr string) []byte {
	var buf bytes.Buffer
	stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout))
	stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr))
	return buf.Bytes()
}

func (s *DockerRuntimeTestSuite) TestRunPropagatesExitCode() {
	s.api.exitCode = 7
	s.api.logs = multiplexed("hello from the bot\n", "oops\n")
	var stdout, stderr bytes.Buffer

	code, err := s.rt.Run(context.Background(), LaunchSpec{
		RunID:  "0123456789abcdef",
		Args:   []string{"--verbose"},
		Env:    []EnvVar{{Key: "MC_PORT", Value: "35809"}},
		Stdout: &stdout,
		Stderr: &stderr,
	})
	s.NoError(err)
	s.Equal(7, code)

	s.Equal([]string{"ghcr.io/example/frankfurt-sentinel:latest"}, s.api.pulled)
	s.Equal("frankfurt-sentinel-01234567", s.api.name)
	s.Equal([]string{"MC_PORT=35809", "SENTINEL_RUN_ID=0123456789abcdef"}, s.api.created.Env)
	s.Equal([]string{"--verbose"}, []string(s.api.created.Cmd))
	s.Equal(container.NetworkMode("host"), s.api.hostConfig.NetworkMode)
	s.True(s.api.started)
	s.True(s.api.removed)
	s.Equal("hello from the bot\n", stdout.String())
	s.Equal("oops\n", stderr.String())
}

func (s *DockerRuntimeTestSuite) TestRunWithoutPull() {
	s.rt.Pull = false

	code, err := s.rt.Run(context.Background(), LaunchSpec{RunID: "abc"})
	s.NoError(err)
	s.Equal(0, code)
	s.Empty(s.api.pulled)
}

func (s *DockerRuntimeTestSuite) TestRunStopsContainerOnCancel() {
	s.api.holdUntilStop = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, err := s.rt.Run(ctx, LaunchSpec{RunID: "abc"})
	s.NoError(err)
	s.Equal(143, code)
	s.True(s.api.stopped)
	s.True(s.api.removed)
}

func TestParseMounts(t *testing.T) {
	mounts, err := parseMounts([]string{"/srv/memory:/app/memory"})
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, "/srv/memory", mounts[0].Source)
	assert.Equal(t, "/app/memory", mounts[0].Target)

	_, err = parseMounts([]string{"/srv/memory"})
	assert.Error(t, err)
}

func TestStringifyEnvironmentVariables(t *testing.T) {
	out := stringifyEnvironmentVariables([]EnvVar{
		{Key: "BOT_NAME", Value: "PedroRTX"},
		{Key: "MODEL_PRO", Value: "a=b"},
	})
	assert.Equal(t, []string{"BOT_NAME=PedroRTX", "MODEL_PRO=a=b"}, out)
}
