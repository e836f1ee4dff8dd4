package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	units "github.com/docker/go-units"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	// workDir is the fixed path at which the repository is mounted
	// inside every container.
	workDir = "/workspace"
	// sandboxUser is the non-root identity commands run as.
	sandboxUser = "1000:1000"
	// cpuPeriod is the CFS scheduling period; the quota is expressed
	// in multiples of it.
	cpuPeriod = int64(100_000)

	// probeTimeout bounds the daemon liveness check at construction.
	probeTimeout = 5 * time.Second
	// cleanupTimeout bounds kill, removal, and log collection. These
	// run under their own deadlines so a hung daemon call never
	// extends the command's timeout window.
	cleanupTimeout = 10 * time.Second

	// timeoutMarker is placed on stderr when a command is killed for
	// exceeding its timeout.
	timeoutMarker = "command timed out"
)

// DockerClient is the backend surface consumed by DockerRunner. It is
// satisfied by *client.Client and narrowed so tests can substitute a
// fake without a daemon.
type DockerClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspect(ctx context.Context, ref string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, opts container.StartOptions) error
	ContainerWait(ctx context.Context, id string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, id, signal string) error
	ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error
	ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error)
	Close() error
}

// DockerRunner executes each command in a throwaway, locked-down
// container: non-root, no network, read-only root filesystem, all
// capabilities dropped, CPU/memory/pid ceilings from the configuration.
// The repository is bind-mounted read-write at a fixed path.
type DockerRunner struct {
	cli    DockerClient
	cfg    Config
	logger *slog.Logger
}

// NewDockerRunner dials the daemon from the environment and probes it.
// An unreachable daemon is reported as an error so the factory can
// degrade; the probe is bounded and never hangs on a dead socket.
func NewDockerRunner(ctx context.Context, cfg Config, logger *slog.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return NewDockerRunnerWithClient(cli, cfg, logger), nil
}

// NewDockerRunnerWithClient wraps an existing client without probing.
// A nil logger falls back to slog.Default().
func NewDockerRunnerWithClient(cli DockerClient, cfg Config, logger *slog.Logger) *DockerRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRunner{cli: cli, cfg: cfg, logger: logger}
}

// Name identifies the backend for logging and status reporting.
func (r *DockerRunner) Name() string { return "docker" }

// Close releases the backend client.
func (r *DockerRunner) Close() error { return r.cli.Close() }

// RunCmd runs name with args against repoDir in a fresh container and
// waits for completion. The container is created per call, exclusively
// owned by it, and removed on every exit path.
func (r *DockerRunner) RunCmd(ctx context.Context, repoDir, name string, args []string, timeout time.Duration) (Result, error) {
	effective := r.cfg.effectiveTimeout(timeout)

	imageRef := GetImage(Detect(repoDir), r.cfg)
	if err := r.ensureImage(ctx, imageRef); err != nil {
		return Result{}, err
	}

	absRepo, err := filepath.Abs(repoDir)
	if err != nil {
		return Result{}, fmt.Errorf("resolving repo dir: %w", err)
	}

	id, err := r.createContainer(ctx, imageRef, absRepo, name, args)
	if err != nil {
		return Result{}, err
	}
	defer r.removeContainer(id)

	runCtx, cancel := context.WithTimeout(ctx, effective)
	defer cancel()

	if err := r.cli.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("starting container: %w", err)
	}

	statusCh, errCh := r.cli.ContainerWait(runCtx, id, container.WaitConditionNotRunning)
	select {
	case <-runCtx.Done():
		// An exit that raced the deadline still counts as completion;
		// cancellation only wins when no status was observed.
		select {
		case status := <-statusCh:
			return r.finish(id, status)
		default:
		}
		r.killContainer(id)
		res := Result{Code: -1, TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded)}
		if res.TimedOut {
			res.Stderr = timeoutMarker
		}
		return res, fmt.Errorf("running %s in container: %w", name, runCtx.Err())
	case err := <-errCh:
		return Result{}, fmt.Errorf("waiting for container: %w", err)
	case status := <-statusCh:
		return r.finish(id, status)
	}
}

// ensureImage checks for the image locally and pulls it when missing.
// A failed pull is a hard error; commands never run on a substitute
// image.
func (r *DockerRunner) ensureImage(ctx context.Context, ref string) error {
	if _, err := r.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	r.logger.Info("pulling image", "image", ref)
	rc, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull completes as the progress stream drains.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return nil
}

func (r *DockerRunner) createContainer(ctx context.Context, imageRef, absRepo, name string, args []string) (string, error) {
	pids := r.cfg.PidsLimit
	conf := &container.Config{
		Image:           imageRef,
		Cmd:             append([]string{name}, args...),
		WorkingDir:      workDir,
		User:            sandboxUser,
		NetworkDisabled: true,
		Tty:             false, // a TTY would collapse the framed log stream
	}
	hostConf := &container.HostConfig{
		Binds:          []string{absRepo + ":" + workDir + ":rw"},
		NetworkMode:    "none",
		AutoRemove:     true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"},
		Resources: container.Resources{
			Memory:    r.cfg.Memory,
			CPUPeriod: cpuPeriod,
			CPUQuota:  int64(r.cfg.CPUs) * cpuPeriod,
			PidsLimit: &pids,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 1024, Hard: 2048},
			},
		},
	}

	cname := "cordon-" + uuid.NewString()[:8]
	created, err := r.cli.ContainerCreate(ctx, conf, hostConf, nil, nil, cname)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	r.logger.Debug("created container", "name", cname, "image", imageRef)
	return created.ID, nil
}

// finish handles a normal exit: surface the status code, collect and
// demultiplex the logs, and apply the output cap.
func (r *DockerRunner) finish(id string, status container.WaitResponse) (Result, error) {
	if status.Error != nil {
		return Result{}, fmt.Errorf("container wait: %s", status.Error.Message)
	}
	stdout, stderr := r.readLogs(id)
	limit := r.cfg.maxOutput()
	res := Result{Code: int(status.StatusCode)}
	var outCut, errCut bool
	res.Stdout, outCut = capStream(stdout, limit)
	res.Stderr, errCut = capStream(stderr, limit)
	res.Truncated = outCut || errCut
	return res, nil
}

// readLogs collects the combined output stream under its own deadline.
// Partial or missing logs degrade to empty strings, never to a failed
// run.
func (r *DockerRunner) readLogs(id string) (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	rc, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		r.logger.Debug("reading container logs", "id", id, "error", err)
		return "", ""
	}
	defer rc.Close()
	return demuxLogs(rc)
}

// killContainer force-stops a container that outlived its timeout,
// under its own deadline so a stuck daemon call cannot block the
// caller.
func (r *DockerRunner) killContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.cli.ContainerKill(ctx, id, "KILL"); err != nil {
		r.logger.Debug("killing container", "id", id, "error", err)
	}
}

// removeContainer is the unconditional cleanup for every exit path.
// AutoRemove usually gets there first, so errors are expected and only
// logged.
func (r *DockerRunner) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		r.logger.Debug("removing container", "id", id, "error", err)
	}
}
