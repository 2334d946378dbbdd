// Package proc owns the lifecycle of a language server process: spawning it
// in its own process group, provisioning optional scratch configuration, and
// terminating the whole group when the owning connection ends.
package proc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// State describes where a process is in its lifecycle.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateExited
	StateTerminating
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateTerminating:
		return "terminating"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Command describes the backend executable to launch.
type Command struct {
	Path string
	Args []string
}

// ScratchConfig is a connection-scoped directory holding backend startup
// options (e.g. compiler flags). It is written before the process launches
// and removed only after the process has been reaped.
type ScratchConfig struct {
	dir  string
	file string
}

// DefaultScratchFile is the option file name clangd expects inside a
// --compile-commands-dir directory.
const DefaultScratchFile = "compile_flags.txt"

// WriteScratch creates a scratch directory and writes options into fileName,
// one whitespace-separated token per line. The file is fully flushed to disk
// before WriteScratch returns so a subsequent spawn always sees it.
func WriteScratch(fileName, options string) (*ScratchConfig, error) {
	if fileName == "" {
		fileName = DefaultScratchFile
	}
	dir, err := os.MkdirTemp("", "lsp-scratch-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	content := strings.Join(strings.Fields(options), "\n")
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte(content), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("write scratch config: %w", err)
	}
	return &ScratchConfig{dir: dir, file: fileName}, nil
}

// Dir returns the scratch directory path.
func (s *ScratchConfig) Dir() string { return s.dir }

// Remove deletes the scratch directory. Safe to call more than once.
func (s *ScratchConfig) Remove() {
	_ = os.RemoveAll(s.dir)
}

// Handle is an exclusive reference to one running backend process. It is
// owned by a single connection and never shared or reused.
type Handle struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	scratch *ScratchConfig
	pgid    int
	log     zerolog.Logger

	state atomic.Int32

	done    chan struct{}
	exitErr error // set before done is closed

	killMu sync.Mutex
	killed bool
}

// Spawn launches the command in a new process group with stdin/stdout
// pipes. If scratch is non-nil, Spawn takes ownership of it: it is removed
// on launch failure and after the process is reaped. The returned handle is
// in the running state.
func Spawn(c Command, scratch *ScratchConfig, log zerolog.Logger) (*Handle, error) {
	cmd := exec.Command(c.Path, c.Args...)
	// New process group so descendants are reachable for cleanup as a unit.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	fail := func(err error) (*Handle, error) {
		if scratch != nil {
			scratch.Remove()
		}
		return nil, err
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fail(fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return fail(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return fail(fmt.Errorf("stderr pipe: %w", err))
	}

	h := &Handle{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		scratch: scratch,
		log:     log,
		done:    make(chan struct{}),
	}
	h.state.Store(int32(StateStarting))

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return fail(fmt.Errorf("start %s: %w", c.Path, err))
	}
	h.pgid = cmd.Process.Pid
	h.state.Store(int32(StateRunning))

	go h.logStderr(stderr)
	go h.reap()

	log.Debug().Int("pid", cmd.Process.Pid).Str("command", c.Path).Msg("backend started")
	return h, nil
}

// Stdin returns the process's standard input sink.
func (h *Handle) Stdin() io.Writer { return h.stdin }

// Stdout returns the process's standard output source.
func (h *Handle) Stdout() io.Reader { return h.stdout }

// PID returns the process ID, which is also the process group ID.
func (h *Handle) PID() int { return h.pgid }

// State returns the current lifecycle state.
func (h *Handle) State() State { return State(h.state.Load()) }

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitErr returns the result of waiting on the process. Valid only after
// Done is closed.
func (h *Handle) ExitErr() error { return h.exitErr }

func (h *Handle) reap() {
	h.exitErr = h.cmd.Wait()
	h.state.CompareAndSwap(int32(StateRunning), int32(StateExited))
	h.state.CompareAndSwap(int32(StateTerminating), int32(StateKilled))
	close(h.done)
}

func (h *Handle) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		h.log.Debug().Str("stream", "stderr").Msg(sc.Text())
	}
}

// Shutdown terminates the backend and releases its resources. It is
// idempotent: a process that already exited is not signaled, and concurrent
// or repeated calls send the termination signal at most once. Shutdown does
// not return until the process has been reaped and, if present, the scratch
// configuration removed.
func (h *Handle) Shutdown(grace time.Duration) {
	h.killMu.Lock()
	first := !h.killed
	h.killed = true
	h.killMu.Unlock()
	if !first {
		<-h.done
		return
	}

	defer func() {
		if h.scratch != nil {
			h.scratch.Remove()
		}
	}()

	select {
	case <-h.done:
		h.log.Debug().Int("pid", h.pgid).Msg("backend already exited, not killing")
		return
	default:
	}

	h.state.CompareAndSwap(int32(StateRunning), int32(StateTerminating))
	if err := syscall.Kill(-h.pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		h.log.Warn().Err(err).Int("pgid", h.pgid).Msg("signal process group")
	}

	select {
	case <-h.done:
	case <-time.After(grace):
		h.log.Warn().Int("pgid", h.pgid).Dur("grace", grace).Msg("grace period elapsed, killing process group")
		_ = syscall.Kill(-h.pgid, syscall.SIGKILL)
		<-h.done
	}
	h.log.Debug().Int("pid", h.pgid).AnErr("exit", h.exitErr).Msg("backend reaped")
}
