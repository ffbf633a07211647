package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"plugbridge/internal/domain"
)

// DefaultTailBytes is how much combined output is kept for exit diagnostics.
const DefaultTailBytes = 64 * 1024

// waitDelay bounds how long Wait blocks on output copying after the child exits,
// e.g. when a grandchild still holds the pipes open.
const waitDelay = 2 * time.Second

// killProcess is the forceful kill. Tests replace it to count attempts.
var killProcess = func(p *os.Process) error { return p.Kill() }

// StartConfig describes how to launch the plugin runtime.
type StartConfig struct {
	Binary      string
	EntryScript string
	BindAddr    string            // host:port the runtime should dial, passed as HOST and PORT
	WorkDir     string
	Env         map[string]string // extra environment on top of the host's
	TailBytes   int               // 0 uses DefaultTailBytes
}

type controlOp int

const (
	opKill controlOp = iota
	opState
)

type controlMsg struct {
	op    controlOp
	reply chan domain.ProcessState
}

// RunningProcess is a supervised runtime child process.
//
// Its lifecycle state is owned by a single goroutine; Kill and State talk to it
// over the control channel. Done is closed exactly once, after the process has
// exited and its output has been drained.
type RunningProcess struct {
	id      string
	cmd     *exec.Cmd
	logger  *slog.Logger
	tail    *ringBuffer
	stdout  *lineWriter
	stderr  *lineWriter
	control chan controlMsg
	done    chan struct{}

	// Written by the run goroutine before done is closed; read after.
	err       error
	exitCode  int
	requested bool
}

// Start spawns the runtime and returns once it is running. Output is streamed to
// logger line by line from background goroutines. The process is not tied to
// ctx; callers stop it with Kill.
func Start(ctx context.Context, cfg StartConfig, logger *slog.Logger) (*RunningProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	host, port, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return nil, domain.NewSubSystemError("process", "Supervisor.Start", domain.ErrInvalidInput,
			fmt.Sprintf("bind address %q: %v", cfg.BindAddr, err))
	}

	tailBytes := cfg.TailBytes
	if tailBytes == 0 {
		tailBytes = DefaultTailBytes
	}

	id := newID()
	p := &RunningProcess{
		id:      id,
		tail:    newRingBuffer(tailBytes),
		control: make(chan controlMsg),
		done:    make(chan struct{}),
	}

	var args []string
	if cfg.EntryScript != "" {
		args = append(args, cfg.EntryScript)
	}
	cmd := exec.Command(cfg.Binary, args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = buildEnv(host, port, cfg.Env)
	cmd.WaitDelay = waitDelay

	p.logger = logger.With("runtime", id)
	p.stdout = newLineWriter(p.logger, slog.LevelInfo, "stdout", p.tail)
	p.stderr = newLineWriter(p.logger, slog.LevelWarn, "stderr", p.tail)
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return nil, domain.NewSubSystemError("process", "Supervisor.Start", domain.ErrSpawnFailed,
			fmt.Sprintf("%s: %v", cfg.Binary, err))
	}
	p.cmd = cmd
	p.logger = p.logger.With("pid", cmd.Process.Pid)
	p.logger.Info("runtime started", "binary", cfg.Binary, "entry", cfg.EntryScript, "addr", cfg.BindAddr)

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()
	go p.run(exited)

	return p, nil
}

func buildEnv(host, port string, extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return append(env, "HOST="+host, "PORT="+port)
}

// run owns the process state until the child exits.
func (p *RunningProcess) run(exited <-chan error) {
	state := domain.ProcessRunning
	for {
		select {
		case msg := <-p.control:
			if msg.op == opKill && state == domain.ProcessRunning {
				state = domain.ProcessShuttingDown
				p.requested = true
				if err := killProcess(p.cmd.Process); err != nil {
					// The process may already be gone; Wait will report it.
					p.logger.Warn("runtime kill failed", "error", err)
				}
			}
			msg.reply <- state

		case waitErr := <-exited:
			p.finish(waitErr)
			close(p.done)
			return
		}
	}
}

func (p *RunningProcess) finish(waitErr error) {
	p.stdout.Flush()
	p.stderr.Flush()

	p.exitCode = -1
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}

	if p.requested {
		p.logger.Info("runtime stopped", "exit_code", p.exitCode)
		return
	}

	detail := fmt.Sprintf("exit code %d", p.exitCode)
	if waitErr != nil && !isExitError(waitErr) {
		detail += ": " + waitErr.Error()
	}
	if out := strings.TrimSpace(p.tail.String()); out != "" {
		if p.tail.Truncated() {
			out = "..." + out
		}
		detail += "\n" + out
	}
	p.err = domain.NewSubSystemError("process", "RunningProcess.Wait", domain.ErrProcessExited, detail)
	p.logger.Error("runtime exited unexpectedly", "exit_code", p.exitCode)
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

func (p *RunningProcess) send(op controlOp) domain.ProcessState {
	msg := controlMsg{op: op, reply: make(chan domain.ProcessState, 1)}
	select {
	case p.control <- msg:
		return <-msg.reply
	case <-p.done:
		return domain.ProcessStopped
	}
}

// Kill forcefully kills the runtime. It does not wait for exit; use Done for
// that. Calling Kill after the first time, or after the process has exited,
// does nothing.
func (p *RunningProcess) Kill() {
	p.send(opKill)
}

// State reports the current lifecycle state.
func (p *RunningProcess) State() domain.ProcessState {
	return p.send(opState)
}

// Done is closed once the process has exited.
func (p *RunningProcess) Done() <-chan struct{} { return p.done }

// Err returns nil while running or after a requested kill, and an
// ErrProcessExited error when the runtime died on its own.
func (p *RunningProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// ExitCode returns the exit code, or -1 while running or when killed by a signal.
func (p *RunningProcess) ExitCode() int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return -1
	}
}

// Output returns the retained tail of the combined stdout/stderr.
func (p *RunningProcess) Output() string { return p.tail.String() }

// ID returns the supervisor-assigned runtime id.
func (p *RunningProcess) ID() string { return p.id }

// PID returns the OS process id.
func (p *RunningProcess) PID() int { return p.cmd.Process.Pid }

func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
