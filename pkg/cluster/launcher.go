package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/graphcompute/mgcluster/pkg/agent"
	"github.com/graphcompute/mgcluster/pkg/logging"
)

// WorkerSpec is everything a launcher needs to start one worker
type WorkerSpec struct {
	ClusterID         string
	Name              string
	Device            int
	VisibleDevices    string
	SchedulerURL      string
	JoinToken         string // passed through JoinTokenEnv, never on the command line
	PoolSizeBytes     uint64
	Protocol          string
	HeartbeatInterval time.Duration
}

// Process is a started worker
type Process interface {
	// Stop terminates the worker and waits for it to exit. Stopping an
	// exited worker is not an error.
	Stop(ctx context.Context) error
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	// Err returns the exit error, valid after Done is closed.
	Err() error
}

// JoinTokenEnv carries the join token to exec'd workers.
const JoinTokenEnv = "MGCLUSTER_JOIN_TOKEN"

// Launcher starts workers
type Launcher interface {
	Start(ctx context.Context, spec WorkerSpec) (Process, error)
}

// ExecLauncher runs each worker as a child process of Binary, which must
// implement the `worker` subcommand of mgcluster.
type ExecLauncher struct {
	Binary string
	Args   []string // defaults to ["worker"]
	Env    []string // appended to the current environment
	Stdout io.Writer
	Stderr io.Writer
}

// WorkerArgs renders spec as `mgcluster worker` flags
func WorkerArgs(spec WorkerSpec) []string {
	return []string{
		"--scheduler", spec.SchedulerURL,
		"--name", spec.Name,
		"--device", strconv.Itoa(spec.Device),
		"--visible-devices", spec.VisibleDevices,
		"--pool-size", strconv.FormatUint(spec.PoolSizeBytes, 10),
		"--protocol", spec.Protocol,
		"--heartbeat-interval", spec.HeartbeatInterval.String(),
		"--cluster-id", spec.ClusterID,
	}
}

func (l *ExecLauncher) Start(_ context.Context, spec WorkerSpec) (Process, error) {
	if l.Binary == "" {
		return nil, errors.New("exec launcher: no worker binary configured")
	}
	args := l.Args
	if len(args) == 0 {
		args = []string{"worker"}
	}
	args = append(append([]string(nil), args...), WorkerArgs(spec)...)

	// Not tied to the acquire context: the worker outlives the call.
	cmd := exec.Command(l.Binary, args...)
	cmd.Env = append(append(os.Environ(), l.Env...), "CUDA_VISIBLE_DEVICES="+spec.VisibleDevices, JoinTokenEnv+"="+spec.JoinToken)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", l.Binary, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *execProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to signal worker pid %d: %w", p.cmd.Process.Pid, err)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.cmd.Process.Kill()
		<-p.done
		return fmt.Errorf("worker pid %d killed after %w", p.cmd.Process.Pid, ctx.Err())
	}
}

// InProcessLauncher runs workers as goroutines of the current process.
type InProcessLauncher struct {
	Logger    *logging.Logger
	DetectGPU bool
}

func (l *InProcessLauncher) Start(_ context.Context, spec WorkerSpec) (Process, error) {
	w := agent.New(agent.Config{
		Name:              spec.Name,
		SchedulerURL:      spec.SchedulerURL,
		JoinToken:         spec.JoinToken,
		Device:            spec.Device,
		VisibleDevices:    spec.VisibleDevices,
		PoolSizeBytes:     spec.PoolSizeBytes,
		Protocol:          spec.Protocol,
		HeartbeatInterval: spec.HeartbeatInterval,
		DetectGPU:         l.DetectGPU,
		Labels:            map[string]string{"cluster_id": spec.ClusterID},
		Logger:            l.Logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	p := &goroutineProcess{cancel: cancel, done: make(chan struct{})}
	go func() {
		p.err = w.Run(ctx)
		close(p.done)
	}()
	return p, nil
}

type goroutineProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	once   sync.Once
}

func (p *goroutineProcess) Done() <-chan struct{} { return p.done }

func (p *goroutineProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *goroutineProcess) Stop(ctx context.Context) error {
	p.once.Do(p.cancel)
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("in-process worker did not stop: %w", ctx.Err())
	}
}
