package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockermount "github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/slok/codeclaw/internal/container"
	"github.com/slok/codeclaw/internal/conventions"
	"github.com/slok/codeclaw/internal/log"
	"github.com/slok/codeclaw/internal/model"
	"github.com/slok/codeclaw/internal/utils/env"
)

// DockerClient is the interface for Docker operations that we use.
// This allows us to mock the Docker client for testing.
type DockerClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *dockercontainer.Config, hostConfig *dockercontainer.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (dockercontainer.CreateResponse, error)
	ContainerAttach(ctx context.Context, container string, options dockercontainer.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options dockercontainer.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition dockercontainer.WaitCondition) (<-chan dockercontainer.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options dockercontainer.RemoveOptions) error
	ContainerList(ctx context.Context, options dockercontainer.ListOptions) ([]dockercontainer.Summary, error)
}

// blackholedHosts are the cloud metadata endpoints the agent must never reach.
var blackholedHosts = []string{
	"metadata.google.internal:127.0.0.1",
	"metadata:127.0.0.1",
	"instance-data:127.0.0.1",
}

// RuntimeConfig is the configuration for the Docker runtime.
type RuntimeConfig struct {
	Client DockerClient
	// PullMissing pulls the image on spawn when it's not present locally.
	PullMissing bool
	Logger      log.Logger
}

func (c *RuntimeConfig) defaults() error {
	if c.Client == nil {
		// Create a default Docker client
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("could not create Docker client: %w", err)
		}
		c.Client = cli
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "container.Docker"})
	return nil
}

// Runtime is the Docker implementation of the container.Runtime interface.
type Runtime struct {
	client      DockerClient
	pullMissing bool
	logger      log.Logger
}

var _ container.Runtime = &Runtime{}

// NewRuntime creates a new Docker runtime.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Runtime{
		client:      cfg.Client,
		pullMissing: cfg.PullMissing,
		logger:      cfg.Logger,
	}, nil
}

// Check checks the Docker daemon is reachable.
func (r *Runtime) Check(ctx context.Context) []model.CheckResult {
	ping, err := r.client.Ping(ctx)
	if err != nil {
		return []model.CheckResult{{ID: "docker_daemon", Status: model.CheckStatusError, Message: fmt.Sprintf("Docker daemon not reachable: %s", err)}}
	}
	return []model.CheckResult{{ID: "docker_daemon", Status: model.CheckStatusOK, Message: fmt.Sprintf("Docker daemon reachable (API %s)", ping.APIVersion)}}
}

// CheckImage checks the agent image is present locally.
func (r *Runtime) CheckImage(ctx context.Context, img string) model.CheckResult {
	present, err := r.imagePresent(ctx, img)
	switch {
	case err != nil:
		return model.CheckResult{ID: "agent_image", Status: model.CheckStatusError, Message: fmt.Sprintf("Could not list images: %s", err)}
	case !present && r.pullMissing:
		return model.CheckResult{ID: "agent_image", Status: model.CheckStatusWarning, Message: fmt.Sprintf("Image %s not present, it will be pulled on first run", img)}
	case !present:
		return model.CheckResult{ID: "agent_image", Status: model.CheckStatusError, Message: fmt.Sprintf("Image %s not present", img)}
	}
	return model.CheckResult{ID: "agent_image", Status: model.CheckStatusOK, Message: fmt.Sprintf("Image %s present", img)}
}

func (r *Runtime) imagePresent(ctx context.Context, img string) (bool, error) {
	images, err := r.client.ImageList(ctx, image.ListOptions{Filters: filters.NewArgs(filters.Arg("reference", img))})
	if err != nil {
		return false, err
	}
	return len(images) > 0, nil
}

// Spawn creates, attaches and starts the agent container.
func (r *Runtime) Spawn(ctx context.Context, spec container.SpawnSpec) (container.Process, error) {
	if err := r.ensureImage(ctx, spec.Image); err != nil {
		return nil, fmt.Errorf("%s: %w", err, model.ErrSpawnFailure)
	}

	mounts := make([]dockermount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, dockermount.Mount{
			Type:     dockermount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}

	containerConfig := &dockercontainer.Config{
		Image:        spec.Image,
		Env:          env.ToList(spec.Env),
		Labels:       spec.Labels,
		WorkingDir:   conventions.ContainerThreadDir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		OpenStdin:    true,
		StdinOnce:    true,
	}

	hostConfig := &dockercontainer.HostConfig{
		Mounts:      mounts,
		NetworkMode: dockercontainer.NetworkMode(spec.Network),
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		ExtraHosts:  blackholedHosts,
		Resources: dockercontainer.Resources{
			Memory: spec.MemoryMB * 1024 * 1024, // Convert MB to bytes
		},
	}
	if spec.PidsLimit > 0 {
		pids := spec.PidsLimit
		hostConfig.Resources.PidsLimit = &pids
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %s: %w", spec.Name, err, model.ErrSpawnFailure)
	}
	id := resp.ID

	// From here on a failure must not leave the container behind.
	fail := func(err error) (container.Process, error) {
		if rmErr := r.client.ContainerRemove(context.WithoutCancel(ctx), id, dockercontainer.RemoveOptions{Force: true}); rmErr != nil {
			r.logger.Errorf("Could not remove failed container %s: %s", id, rmErr)
		}
		return nil, fmt.Errorf("%s: %w", err, model.ErrSpawnFailure)
	}

	attach, err := r.client.ContainerAttach(ctx, id, dockercontainer.AttachOptions{Stream: true, Stdin: true, Stdout: true, Stderr: true})
	if err != nil {
		return fail(fmt.Errorf("failed to attach to container %s: %w", id, err))
	}

	// Wait must be registered before start so a fast exit is not missed.
	waitC, waitErrC := r.client.ContainerWait(context.WithoutCancel(ctx), id, dockercontainer.WaitConditionNextExit)

	if err := r.client.ContainerStart(ctx, id, dockercontainer.StartOptions{}); err != nil {
		attach.Close()
		return fail(fmt.Errorf("failed to start container %s: %w", id, err))
	}

	p := newProcess(r.client, id, attach, waitC, waitErrC, r.logger)
	go p.writeStdin(spec.Stdin)
	go p.demux()

	r.logger.Infof("Started container %s (%s)", spec.Name, id)

	return p, nil
}

func (r *Runtime) ensureImage(ctx context.Context, img string) error {
	if !r.pullMissing {
		return nil
	}
	present, err := r.imagePresent(ctx, img)
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	if present {
		return nil
	}

	r.logger.Infof("Pulling image: %s", img)
	pullResp, err := r.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	defer pullResp.Close()
	// Consume the pull response to ensure it completes
	_, _ = io.Copy(io.Discard, pullResp)
	return nil
}

// CleanupOrphans removes every managed container, running or not.
func (r *Runtime) CleanupOrphans(ctx context.Context) (int, error) {
	containers, err := r.client.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", conventions.LabelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	removed := 0
	for _, c := range containers {
		if err := r.client.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true}); err != nil {
			if strings.Contains(err.Error(), "No such container") {
				continue
			}
			return removed, fmt.Errorf("failed to remove orphan container %s: %w", c.ID, err)
		}
		r.logger.Warningf("Removed orphan container %s (thread %s)", c.ID, c.Labels[conventions.LabelThreadID])
		removed++
	}

	return removed, nil
}

type process struct {
	client   DockerClient
	id       string
	attach   types.HijackedResponse
	waitC    <-chan dockercontainer.WaitResponse
	waitErrC <-chan error
	logger   log.Logger

	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	waitOnce sync.Once
	exitCode int
	waitErr  error
}

func newProcess(cli DockerClient, id string, attach types.HijackedResponse, waitC <-chan dockercontainer.WaitResponse, waitErrC <-chan error, logger log.Logger) *process {
	p := &process{
		client:   cli,
		id:       id,
		attach:   attach,
		waitC:    waitC,
		waitErrC: waitErrC,
		logger:   logger.WithValues(log.Kv{"container-id": id}),
	}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *process) writeStdin(data []byte) {
	if _, err := p.attach.Conn.Write(data); err != nil {
		p.logger.Errorf("Could not write container stdin: %s", err)
	}
	if err := p.attach.CloseWrite(); err != nil {
		p.logger.Warningf("Could not close container stdin: %s", err)
	}
}

// demux splits the multiplexed attach stream into stdout and stderr.
func (p *process) demux() {
	_, err := stdcopy.StdCopy(p.stdoutW, p.stderrW, p.attach.Reader)
	p.attach.Close()
	_ = p.stdoutW.CloseWithError(err)
	_ = p.stderrW.CloseWithError(err)
}

func (p *process) ID() string        { return p.id }
func (p *process) Output() io.Reader { return p.stdoutR }
func (p *process) Stderr() io.Reader { return p.stderrR }

func (p *process) Wait(ctx context.Context) (int, error) {
	p.waitOnce.Do(func() {
		select {
		case res := <-p.waitC:
			p.exitCode = int(res.StatusCode)
			if res.Error != nil && res.Error.Message != "" {
				p.waitErr = fmt.Errorf("container wait error: %s", res.Error.Message)
			}
		case err := <-p.waitErrC:
			p.exitCode = -1
			p.waitErr = fmt.Errorf("failed to wait for container: %w", err)
		case <-ctx.Done():
			p.exitCode = -1
			p.waitErr = ctx.Err()
		}
	})
	return p.exitCode, p.waitErr
}

func (p *process) Signal(ctx context.Context, signal string) error {
	if err := p.client.ContainerKill(ctx, p.id, signal); err != nil {
		if strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "No such container") {
			return nil
		}
		return fmt.Errorf("failed to send %s to container %s: %w", signal, p.id, err)
	}
	return nil
}

func (p *process) Kill(ctx context.Context) error {
	return p.Signal(ctx, container.SignalKill)
}

func (p *process) Remove(ctx context.Context) error {
	if err := p.client.ContainerRemove(ctx, p.id, dockercontainer.RemoveOptions{Force: true}); err != nil {
		// Check if already removed
		if strings.Contains(err.Error(), "No such container") {
			p.logger.Debugf("Container already removed")
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", p.id, err)
	}
	return nil
}
