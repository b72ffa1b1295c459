package launcher

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// ErrExit is wrapped by Result.Err when the child exits with a non-zero status.
var ErrExit = errors.New("detector exited with non-zero status")

// waitDelay bounds how long Wait blocks on output pipes held open by grandchildren.
const waitDelay = 2 * time.Second

// Result is the outcome of one child process.
type Result struct {
	Profile  string
	PID      int
	ExitCode int
	Err      error
	Started  time.Time
	Finished time.Time
	// Stopped is true when the child was terminated by Stop or by its context
	// rather than exiting on its own.
	Stopped bool
}

// Success reports whether the child exited with status 0.
func (r Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Duration returns how long the child ran.
func (r Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Process is a running detector child.
type Process struct {
	cmd     *exec.Cmd
	command Command
	logger  *slog.Logger

	done   chan struct{}
	result Result

	mu      sync.Mutex
	stopped bool
}

// Start launches the command. The child's stdout and stderr are forwarded
// line by line to the logger. Cancelling ctx terminates the child.
//
// Arguments:
//   - ctx: Lifetime of the child.
//   - c: The command to run.
//   - logger: Receives child output and lifecycle events.
//
// Returns:
//   - *Process: The running process.
//   - error: ErrScriptNotFound, or an error if the process cannot be started.
func Start(ctx context.Context, c Command, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := c.CheckScript(); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = waitDelay

	log := logger.With("profile", c.Profile)
	stdout := newLineWriter(log, "stdout")
	stderr := newLineWriter(log, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", c.Profile)
	}

	p := &Process{
		cmd:     cmd,
		command: c,
		logger:  log,
		done:    make(chan struct{}),
		result: Result{
			Profile: c.Profile,
			PID:     cmd.Process.Pid,
			Started: started,
		},
	}
	log.Info("detector started", "pid", p.result.PID, "cmd", c.String())

	go func() {
		err := cmd.Wait()
		stdout.Flush()
		stderr.Flush()

		p.mu.Lock()
		p.result.Finished = time.Now()
		p.result.Stopped = p.stopped || ctx.Err() != nil
		p.result.ExitCode = cmd.ProcessState.ExitCode()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				err = errors.Wrapf(ErrExit, "%s exit code %d", c.Profile, p.result.ExitCode)
			} else {
				err = errors.Wrapf(err, "wait %s", c.Profile)
			}
			p.result.Err = err
		}
		p.mu.Unlock()

		log.Info("detector exited",
			"pid", p.result.PID,
			"exit_code", p.result.ExitCode,
			"stopped", p.result.Stopped,
			"duration", p.result.Duration().Truncate(time.Millisecond))
		close(p.done)
	}()

	return p, nil
}

// Run starts the command and waits for it to finish.
func Run(ctx context.Context, c Command, logger *slog.Logger) (Result, error) {
	p, err := Start(ctx, c, logger)
	if err != nil {
		return Result{Profile: c.Profile, ExitCode: -1, Err: err}, err
	}
	res := p.Wait()
	return res, res.Err
}

// PID returns the child's process id.
func (p *Process) PID() int {
	return p.result.PID
}

// Command returns the command the process was started with.
func (p *Process) Command() Command {
	return p.command
}

// Done is closed once the child has exited and its output has been flushed.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the child exits.
func (p *Process) Wait() Result {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Stop asks the child to exit with SIGTERM and kills it if it is still
// running after grace. Stop on an exited process returns its result.
func (p *Process) Stop(grace time.Duration) Result {
	select {
	case <-p.done:
		return p.Wait()
	default:
	}

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.logger.Info("stopping detector", "pid", p.result.PID, "grace", grace)
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone, or signals are unsupported on this platform.
		_ = p.cmd.Process.Kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		p.logger.Warn("detector ignored SIGTERM, killing", "pid", p.result.PID)
		_ = p.cmd.Process.Kill()
	}

	return p.Wait()
}

// lineWriter forwards complete lines to a logger.
type lineWriter struct {
	mu     sync.Mutex
	logger *slog.Logger
	stream string
	buf    bytes.Buffer
}

func newLineWriter(logger *slog.Logger, stream string) *lineWriter {
	return &lineWriter{logger: logger, stream: stream}
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(b)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf.Next(i+1), "\r\n"))
		if line != "" {
			w.logger.Info(line, "stream", w.stream)
		}
	}
	return len(b), nil
}

// Flush logs any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.logger.Info(w.buf.String(), "stream", w.stream)
		w.buf.Reset()
	}
}
