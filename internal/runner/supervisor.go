package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

const (
	// MaxWorkers is the strict upper bound on concurrent worker children.
	MaxWorkers = 4
	// DefaultWorkers is used when no worker count is given.
	DefaultWorkers = 4
	// shutdownGrace is how long a child gets between SIGTERM and SIGKILL.
	shutdownGrace = 10 * time.Second
)

// SupervisorParams mirrors the runner CLI for one supervised run.
type SupervisorParams struct {
	CampaignID     int
	ConfigFile     string
	NumWorkers     int
	Headless       string
	TargetDate     string
	ShardID        *int
	MaxProcessed   int
	FixedCompanyID *int
	RunID          string
	RespawnOnCrash bool
}

// ClampWorkers bounds the requested worker count to 1..MaxWorkers.
// Fixed-company mode always yields exactly one worker: two workers on the
// same fixed target would double-process it.
func ClampWorkers(requested int, fixedCompany bool) int {
	if fixedCompany {
		return 1
	}
	if requested < 1 {
		return DefaultWorkers
	}
	if requested > MaxWorkers {
		return MaxWorkers
	}
	return requested
}

// Supervisor launches worker children as separate OS processes by
// re-executing the runner binary in worker mode. It holds no shared memory
// with its children; the backing store is the only channel between them.
type Supervisor struct {
	params SupervisorParams
	log    *slog.Logger

	// execPath is the binary to re-exec; defaults to the current binary.
	execPath string
}

// NewSupervisor builds a supervisor for one run.
func NewSupervisor(p SupervisorParams, log *slog.Logger) (*Supervisor, error) {
	bin, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("op=supervisor.New: %w", err)
	}
	return &Supervisor{params: p, log: log.With("run_id", p.RunID), execPath: bin}, nil
}

// WorkerArgs builds the argv (minus the binary) for worker ordinal id.
func (s *Supervisor) WorkerArgs(workerID int) []string {
	p := s.params
	args := []string{
		"-worker-mode",
		"-worker-id", strconv.Itoa(workerID),
		"-campaign-id", strconv.Itoa(p.CampaignID),
		"-config-file", p.ConfigFile,
		"-headless", p.Headless,
		"-target-date", p.TargetDate,
		"-run-id", p.RunID,
	}
	if p.ShardID != nil {
		args = append(args, "-shard-id", strconv.Itoa(*p.ShardID))
	}
	if p.MaxProcessed > 0 {
		args = append(args, "-max-processed", strconv.Itoa(p.MaxProcessed))
	}
	if p.FixedCompanyID != nil {
		args = append(args, "-company-id", strconv.Itoa(*p.FixedCompanyID))
	}
	return args
}

type childExit struct {
	workerID int
	err      error
}

// Run spawns the children and blocks until they all exit. On context
// cancellation it forwards SIGTERM and escalates to SIGKILL after the
// grace period. A non-zero child exit is an error unless respawn is on.
func (s *Supervisor) Run(ctx context.Context) error {
	n := ClampWorkers(s.params.NumWorkers, s.params.FixedCompanyID != nil)
	s.log.Info("starting workers", "count", n, "campaign_id", s.params.CampaignID, "target_date", s.params.TargetDate)

	exits := make(chan childExit, n)
	children := make(map[int]*exec.Cmd, n)
	for i := 0; i < n; i++ {
		cmd, err := s.spawn(i, exits)
		if err != nil {
			s.terminate(children)
			return fmt.Errorf("op=supervisor.Run worker=%d: %w", i, err)
		}
		children[i] = cmd
	}

	var firstErr error
	running := len(children)
	stopping := false
	for running > 0 {
		select {
		case <-ctx.Done():
			if !stopping {
				stopping = true
				s.log.Info("shutdown requested, signalling workers")
				s.terminate(children)
			}
		case ex := <-exits:
			running--
			delete(children, ex.workerID)
			if ex.err == nil {
				s.log.Info("worker exited cleanly", "worker_id", ex.workerID)
				continue
			}
			s.log.Error("worker crashed", "worker_id", ex.workerID, "err", ex.err)
			if firstErr == nil {
				firstErr = fmt.Errorf("op=supervisor.Run worker=%d: %w", ex.workerID, ex.err)
			}
			if s.params.RespawnOnCrash && !stopping && ctx.Err() == nil {
				cmd, err := s.spawn(ex.workerID, exits)
				if err != nil {
					s.log.Error("respawn failed", "worker_id", ex.workerID, "err", err)
					continue
				}
				children[ex.workerID] = cmd
				running++
				firstErr = nil
				s.log.Info("worker respawned", "worker_id", ex.workerID)
			}
		}
	}
	if ctx.Err() != nil {
		// Operator-requested shutdown is a clean exit.
		return nil
	}
	return firstErr
}

func (s *Supervisor) spawn(workerID int, exits chan<- childExit) (*exec.Cmd, error) {
	cmd := exec.Command(s.execPath, s.WorkerArgs(workerID)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("op=supervisor.spawn: %w", err)
	}
	s.log.Info("worker started", "worker_id", workerID, "pid", cmd.Process.Pid)
	go func() {
		exits <- childExit{workerID: workerID, err: cmd.Wait()}
	}()
	return cmd, nil
}

// terminate asks every running child to finish its in-flight claim and
// exit, killing stragglers after the grace period. The process snapshot is
// taken up front; killing an already-reaped process is a harmless error.
func (s *Supervisor) terminate(children map[int]*exec.Cmd) {
	procs := make([]*os.Process, 0, len(children))
	for id, cmd := range children {
		if cmd.Process == nil {
			continue
		}
		procs = append(procs, cmd.Process)
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.log.Warn("signal failed", "worker_id", id, "err", err)
		}
	}
	time.AfterFunc(shutdownGrace, func() {
		for _, p := range procs {
			_ = p.Kill()
		}
	})
}
