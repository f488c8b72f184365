package proc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"veomcp/internal/infra"
)

const (
	defaultGracePeriod = 5 * time.Second
	defaultGraceStep   = 100 * time.Millisecond
)

// Options configures a Supervisor.
type Options struct {
	// WorkerBin is the worker executable to launch for each job.
	WorkerBin string
	// LogDir receives the per-job stdout/stderr capture files.
	LogDir string
	// WorkDir pins the worker's working directory. Empty means inherit.
	WorkDir string
	// Env holds extra environment entries for the worker, in KEY=value
	// form. Secrets travel here, never on the command line.
	Env []string
	// Prober overrides liveness detection; defaults to ProcProber keyed on
	// the worker binary name.
	Prober Prober
	// GracePeriod bounds how long Terminate waits between SIGTERM and
	// SIGKILL.
	GracePeriod time.Duration

	Logger infra.Logger
}

// Supervisor spawns detached worker processes, checks their liveness and
// terminates them. Each worker runs in its own session so it survives the
// server's exit and is not signalled alongside it.
type Supervisor struct {
	workerBin   string
	logDir      string
	workDir     string
	env         []string
	prober      Prober
	gracePeriod time.Duration
	graceStep   time.Duration
	kill        func(pid int, sig syscall.Signal) error
	logger      infra.Logger
}

// NewSupervisor constructs a Supervisor from Options.
func NewSupervisor(opts Options) *Supervisor {
	prober := opts.Prober
	if prober == nil {
		prober = ProcProber{Marker: filepath.Base(opts.WorkerBin)}
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	return &Supervisor{
		workerBin:   opts.WorkerBin,
		logDir:      opts.LogDir,
		workDir:     opts.WorkDir,
		env:         opts.Env,
		prober:      prober,
		gracePeriod: grace,
		graceStep:   defaultGraceStep,
		kill:        func(pid int, sig syscall.Signal) error { return syscall.Kill(pid, sig) },
		logger:      opts.Logger,
	}
}

// Spawn launches one detached worker for jobID with the given command-line
// arguments and returns its PID. Output streams are redirected into the
// job's log files; the configured extra environment (the API credential) is
// appended to the inherited one. Failure to start is returned synchronously
// and leaves no process behind.
func (s *Supervisor) Spawn(jobID string, args []string) (int, error) {
	stdout, err := os.Create(filepath.Join(s.logDir, fmt.Sprintf("%s_stdout.log", jobID)))
	if err != nil {
		return 0, fmt.Errorf("proc: create stdout log: %w", err)
	}
	stderr, err := os.Create(filepath.Join(s.logDir, fmt.Sprintf("%s_stderr.log", jobID)))
	if err != nil {
		stdout.Close()
		return 0, fmt.Errorf("proc: create stderr log: %w", err)
	}

	cmd := exec.Command(s.workerBin, args...)
	cmd.Dir = s.workDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), s.env...)
	// New session: detach from our process group so the worker neither
	// receives our signals nor dies with us.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	err = cmd.Start()
	// The parent has no further use for the log handles.
	stdout.Close()
	stderr.Close()
	if err != nil {
		return 0, fmt.Errorf("proc: start worker: %w", err)
	}

	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	s.logger.Info().Str("job_id", jobID).Int("pid", pid).Msg("proc: worker started")
	return pid, nil
}

// Alive reports whether pid still refers to a live worker.
func (s *Supervisor) Alive(pid int) bool {
	return s.prober.Alive(pid)
}

// Terminate stops the worker with pid: SIGTERM first, then a bounded wait
// for the graceful path to finish, then SIGKILL. Terminating an already
// dead process is a no-op.
func (s *Supervisor) Terminate(pid int) error {
	if pid <= 0 || !s.prober.Alive(pid) {
		return nil
	}

	if err := s.kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("proc: signal worker: %w", err)
	}

	deadline := time.Now().Add(s.gracePeriod)
	for time.Now().Before(deadline) {
		if !s.prober.Alive(pid) {
			return nil
		}
		time.Sleep(s.graceStep)
	}

	if s.prober.Alive(pid) {
		s.logger.Warn().Int("pid", pid).Msg("proc: worker ignored SIGTERM, killing")
		if err := s.kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("proc: kill worker: %w", err)
		}
		time.Sleep(s.graceStep)
		reap(pid)
	}
	return nil
}
