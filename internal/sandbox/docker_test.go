package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeDockerClient scripts the backend surface so every DockerRunner
// path runs without a daemon. Wait outcomes are delivered through
// pre-loaded buffered channels.
type fakeDockerClient struct {
	pingErr    error
	inspectErr error
	pullErr    error
	pullCalls  int

	createErr     error
	createdConfig *container.Config
	createdHost   *container.HostConfig
	createdName   string

	startErr error
	status   chan container.WaitResponse
	waitErrs chan error

	logs    []byte
	logsErr error

	killed  bool
	removed bool
	closed  bool
}

var _ DockerClient = (*fakeDockerClient)(nil)

func newFakeDockerClient() *fakeDockerClient {
	return &fakeDockerClient{
		status:   make(chan container.WaitResponse, 1),
		waitErrs: make(chan error, 1),
	}
}

func (f *fakeDockerClient) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeDockerClient) ImageInspect(ctx context.Context, ref string, opts ...client.ImageInspectOption) (image.InspectResponse, error) {
	return image.InspectResponse{}, f.inspectErr
}

func (f *fakeDockerClient) ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	f.pullCalls++
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (f *fakeDockerClient) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.createdConfig, f.createdHost, f.createdName = cfg, hostCfg, name
	return container.CreateResponse{ID: "cid-0123456789ab"}, nil
}

func (f *fakeDockerClient) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	return f.startErr
}

func (f *fakeDockerClient) ContainerWait(ctx context.Context, id string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	return f.status, f.waitErrs
}

func (f *fakeDockerClient) ContainerKill(ctx context.Context, id, signal string) error {
	f.killed = true
	return nil
}

func (f *fakeDockerClient) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	f.removed = true
	return nil
}

func (f *fakeDockerClient) ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error) {
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeDockerClient) Close() error {
	f.closed = true
	return nil
}

func newTestDockerRunner(fake *fakeDockerClient) *DockerRunner {
	return NewDockerRunnerWithClient(fake, DefaultConfig(), testLogger())
}

func TestDockerRunner_Success(t *testing.T) {
	fake := newFakeDockerClient()
	fake.status <- container.WaitResponse{StatusCode: 0}
	fake.logs = frames(frame(1, "ok\n"), frame(2, "warn\n"))

	r := newTestDockerRunner(fake)
	res, err := r.RunCmd(context.Background(), t.TempDir(), "echo", []string{"ok"}, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Code != 0 {
		t.Errorf("Code = %d, want 0", res.Code)
	}
	if res.Stdout != "ok" {
		t.Errorf("Stdout = %q, want ok", res.Stdout)
	}
	if res.Stderr != "warn" {
		t.Errorf("Stderr = %q, want warn", res.Stderr)
	}
	if res.TimedOut {
		t.Error("TimedOut = true, want false")
	}
	if !fake.removed {
		t.Error("container was not removed on the success path")
	}
}

func TestDockerRunner_NonZeroExit(t *testing.T) {
	fake := newFakeDockerClient()
	fake.status <- container.WaitResponse{StatusCode: 2}

	r := newTestDockerRunner(fake)
	res, err := r.RunCmd(context.Background(), t.TempDir(), "false", nil, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Code != 2 {
		t.Errorf("Code = %d, want 2", res.Code)
	}
}

func TestDockerRunner_Timeout(t *testing.T) {
	fake := newFakeDockerClient() // wait never resolves

	r := newTestDockerRunner(fake)
	res, err := r.RunCmd(context.Background(), t.TempDir(), "sleep", []string{"30"}, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected a cancellation error on timeout")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want to wrap DeadlineExceeded", err)
	}
	if !res.TimedOut {
		t.Error("TimedOut = false, want true")
	}
	if res.Code != -1 {
		t.Errorf("Code = %d, want -1", res.Code)
	}
	if res.Stderr != timeoutMarker {
		t.Errorf("Stderr = %q, want %q", res.Stderr, timeoutMarker)
	}
	if !fake.killed {
		t.Error("container was not killed on timeout")
	}
	if !fake.removed {
		t.Error("container was not removed on timeout")
	}
}

func TestDockerRunner_ParentCancellation(t *testing.T) {
	fake := newFakeDockerClient() // wait never resolves

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	r := newTestDockerRunner(fake)
	res, err := r.RunCmd(ctx, t.TempDir(), "sleep", []string{"30"}, time.Minute)
	if err == nil {
		t.Fatal("expected an error when the caller cancels")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want to wrap Canceled", err)
	}
	if res.TimedOut {
		t.Error("TimedOut = true, want false for caller cancellation")
	}
	if res.Stderr != "" {
		t.Errorf("Stderr = %q, want empty for caller cancellation", res.Stderr)
	}
	if !fake.killed {
		t.Error("container was not killed on cancellation")
	}
}

func TestDockerRunner_ExitBeatsExpiredDeadline(t *testing.T) {
	// An exit status already on the channel wins over an expired
	// deadline; the run must not be reported as timed out.
	fake := newFakeDockerClient()
	fake.status <- container.WaitResponse{StatusCode: 0}
	fake.logs = frames(frame(1, "done\n"))

	r := newTestDockerRunner(fake)
	res, err := r.RunCmd(context.Background(), t.TempDir(), "true", nil, time.Nanosecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TimedOut {
		t.Error("TimedOut = true, want false when the exit raced the deadline")
	}
	if res.Code != 0 {
		t.Errorf("Code = %d, want 0", res.Code)
	}
	if fake.killed {
		t.Error("kill issued despite an observed exit status")
	}
}

func TestDockerRunner_WaitError(t *testing.T) {
	fake := newFakeDockerClient()
	fake.waitErrs <- errors.New("daemon connection lost")

	r := newTestDockerRunner(fake)
	_, err := r.RunCmd(context.Background(), t.TempDir(), "true", nil, time.Minute)
	if err == nil {
		t.Fatal("expected a hard error from the wait channel")
	}
	if !fake.removed {
		t.Error("container was not removed on the wait-error path")
	}
}

func TestDockerRunner_WaitStatusError(t *testing.T) {
	fake := newFakeDockerClient()
	fake.status <- container.WaitResponse{
		StatusCode: 0,
		Error:      &container.WaitExitError{Message: "oci runtime failure"},
	}

	r := newTestDockerRunner(fake)
	_, err := r.RunCmd(context.Background(), t.TempDir(), "true", nil, time.Minute)
	if err == nil {
		t.Fatal("expected a hard error for an in-band wait error")
	}
	if !strings.Contains(err.Error(), "oci runtime failure") {
		t.Errorf("error = %q, want the backend message", err)
	}
}

func TestDockerRunner_PullsMissingImage(t *testing.T) {
	fake := newFakeDockerClient()
	fake.inspectErr = errors.New("no such image")
	fake.status <- container.WaitResponse{StatusCode: 0}

	r := newTestDockerRunner(fake)
	if _, err := r.RunCmd(context.Background(), t.TempDir(), "true", nil, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.pullCalls != 1 {
		t.Errorf("pullCalls = %d, want 1", fake.pullCalls)
	}
}

func TestDockerRunner_NoPullWhenImagePresent(t *testing.T) {
	fake := newFakeDockerClient()
	fake.status <- container.WaitResponse{StatusCode: 0}

	r := newTestDockerRunner(fake)
	if _, err := r.RunCmd(context.Background(), t.TempDir(), "true", nil, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.pullCalls != 0 {
		t.Errorf("pullCalls = %d, want 0", fake.pullCalls)
	}
}

func TestDockerRunner_PullFailure(t *testing.T) {
	fake := newFakeDockerClient()
	fake.inspectErr = errors.New("no such image")
	fake.pullErr = errors.New("registry unreachable")

	r := newTestDockerRunner(fake)
	_, err := r.RunCmd(context.Background(), t.TempDir(), "true", nil, time.Minute)
	if err == nil {
		t.Fatal("expected a hard error when the pull fails")
	}
	if fake.createdName != "" {
		t.Error("container created despite the failed pull")
	}
}

func TestDockerRunner_StartFailure(t *testing.T) {
	fake := newFakeDockerClient()
	fake.startErr = errors.New("exec format error")

	r := newTestDockerRunner(fake)
	_, err := r.RunCmd(context.Background(), t.TempDir(), "true", nil, time.Minute)
	if err == nil {
		t.Fatal("expected a hard error when start fails")
	}
	if !fake.removed {
		t.Error("container was not removed after the failed start")
	}
}

func TestDockerRunner_CreateFailure(t *testing.T) {
	fake := newFakeDockerClient()
	fake.createErr = errors.New("invalid mount spec")

	r := newTestDockerRunner(fake)
	_, err := r.RunCmd(context.Background(), t.TempDir(), "true", nil, time.Minute)
	if err == nil {
		t.Fatal("expected a hard error when create fails")
	}
	if fake.removed {
		t.Error("remove called though no container exists")
	}
}

func TestDockerRunner_ContainerHardening(t *testing.T) {
	fake := newFakeDockerClient()
	fake.status <- container.WaitResponse{StatusCode: 0}

	cfg := DefaultConfig()
	r := NewDockerRunnerWithClient(fake, cfg, testLogger())
	if _, err := r.RunCmd(context.Background(), t.TempDir(), "go", []string{"test", "./..."}, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conf := fake.createdConfig
	if got := strings.Join([]string(conf.Cmd), " "); got != "go test ./..." {
		t.Errorf("Cmd = %q, want 'go test ./...'", got)
	}
	if conf.WorkingDir != workDir {
		t.Errorf("WorkingDir = %q, want %q", conf.WorkingDir, workDir)
	}
	if conf.User != sandboxUser {
		t.Errorf("User = %q, want %q", conf.User, sandboxUser)
	}
	if !conf.NetworkDisabled {
		t.Error("NetworkDisabled = false, want true")
	}
	if conf.Tty {
		t.Error("Tty = true, want false to keep the log stream framed")
	}

	host := fake.createdHost
	if host.NetworkMode != "none" {
		t.Errorf("NetworkMode = %q, want none", host.NetworkMode)
	}
	if !host.AutoRemove {
		t.Error("AutoRemove = false, want true")
	}
	if !host.ReadonlyRootfs {
		t.Error("ReadonlyRootfs = false, want true")
	}
	if len(host.CapDrop) != 1 || host.CapDrop[0] != "ALL" {
		t.Errorf("CapDrop = %v, want [ALL]", host.CapDrop)
	}
	if len(host.SecurityOpt) != 1 || host.SecurityOpt[0] != "no-new-privileges" {
		t.Errorf("SecurityOpt = %v, want [no-new-privileges]", host.SecurityOpt)
	}
	if len(host.Binds) != 1 || !strings.HasSuffix(host.Binds[0], ":"+workDir+":rw") {
		t.Errorf("Binds = %v, want a read-write mount at %s", host.Binds, workDir)
	}
	if tmp := host.Tmpfs["/tmp"]; !strings.Contains(tmp, "noexec") || !strings.Contains(tmp, "nosuid") {
		t.Errorf("Tmpfs[/tmp] = %q, want noexec and nosuid", tmp)
	}
	if host.Resources.Memory != cfg.Memory {
		t.Errorf("Memory = %d, want %d", host.Resources.Memory, cfg.Memory)
	}
	if host.Resources.CPUPeriod != cpuPeriod {
		t.Errorf("CPUPeriod = %d, want %d", host.Resources.CPUPeriod, cpuPeriod)
	}
	if want := int64(cfg.CPUs) * cpuPeriod; host.Resources.CPUQuota != want {
		t.Errorf("CPUQuota = %d, want %d", host.Resources.CPUQuota, want)
	}
	if host.Resources.PidsLimit == nil || *host.Resources.PidsLimit != cfg.PidsLimit {
		t.Errorf("PidsLimit = %v, want %d", host.Resources.PidsLimit, cfg.PidsLimit)
	}
	if len(host.Resources.Ulimits) != 1 || host.Resources.Ulimits[0].Name != "nofile" {
		t.Fatalf("Ulimits = %v, want a single nofile entry", host.Resources.Ulimits)
	}
	if ul := host.Resources.Ulimits[0]; ul.Soft != 1024 || ul.Hard != 2048 {
		t.Errorf("nofile = %d/%d, want 1024/2048", ul.Soft, ul.Hard)
	}

	if !strings.HasPrefix(fake.createdName, "cordon-") {
		t.Errorf("container name = %q, want cordon- prefix", fake.createdName)
	}
}

func TestDockerRunner_FractionalCPUQuota(t *testing.T) {
	fake := newFakeDockerClient()
	fake.status <- container.WaitResponse{StatusCode: 0}

	cfg := DefaultConfig()
	cfg.CPUs = 1.5
	r := NewDockerRunnerWithClient(fake, cfg, testLogger())
	if _, err := r.RunCmd(context.Background(), t.TempDir(), "true", nil, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fake.createdHost.Resources.CPUQuota; got != cpuPeriod {
		t.Errorf("CPUQuota = %d, want the integer-core quota %d", got, cpuPeriod)
	}
}

func TestDockerRunner_ImageSelection(t *testing.T) {
	fake := newFakeDockerClient()
	fake.status <- container.WaitResponse{StatusCode: 0}

	dir := writeFiles(t, "go.mod")
	r := newTestDockerRunner(fake)
	if _, err := r.RunCmd(context.Background(), dir, "go", []string{"build"}, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.createdConfig.Image != "golang:1.23-alpine" {
		t.Errorf("Image = %q, want golang:1.23-alpine", fake.createdConfig.Image)
	}
}

func TestDockerRunner_ImageOverride(t *testing.T) {
	fake := newFakeDockerClient()
	fake.status <- container.WaitResponse{StatusCode: 0}

	cfg := DefaultConfig()
	cfg.Image = "registry.example.com/pinned:v3"
	r := NewDockerRunnerWithClient(fake, cfg, testLogger())

	dir := writeFiles(t, "go.mod")
	if _, err := r.RunCmd(context.Background(), dir, "go", []string{"build"}, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.createdConfig.Image != cfg.Image {
		t.Errorf("Image = %q, want the override %q", fake.createdConfig.Image, cfg.Image)
	}
}

func TestDockerRunner_TruncatesOutput(t *testing.T) {
	fake := newFakeDockerClient()
	fake.status <- container.WaitResponse{StatusCode: 0}
	fake.logs = frames(frame(1, "abcdefgh\n"))

	cfg := DefaultConfig()
	cfg.MaxOutput = 4
	r := NewDockerRunnerWithClient(fake, cfg, testLogger())
	res, err := r.RunCmd(context.Background(), t.TempDir(), "true", nil, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "abcd" {
		t.Errorf("Stdout = %q, want abcd", res.Stdout)
	}
	if !res.Truncated {
		t.Error("Truncated = false, want true")
	}
}

func TestDockerRunner_LogReadFailureDegrades(t *testing.T) {
	fake := newFakeDockerClient()
	fake.status <- container.WaitResponse{StatusCode: 0}
	fake.logsErr = errors.New("log driver gone")

	r := newTestDockerRunner(fake)
	res, err := r.RunCmd(context.Background(), t.TempDir(), "true", nil, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Code != 0 || res.Stdout != "" || res.Stderr != "" {
		t.Errorf("got %+v, want a clean empty-output result", res)
	}
}

func TestDockerRunner_NameAndClose(t *testing.T) {
	fake := newFakeDockerClient()
	r := newTestDockerRunner(fake)
	if r.Name() != "docker" {
		t.Errorf("Name() = %q, want docker", r.Name())
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !fake.closed {
		t.Error("client was not closed")
	}
}
