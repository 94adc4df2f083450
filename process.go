package clangdconn

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// StdioMode selects how one of a subprocess's three standard streams
// is wired: a pipe, the parent's own stream, an existing integer file
// descriptor, a path, or unset.
type StdioMode int

const (
	// StdioPipe creates an os.Pipe the parent reads/writes.
	StdioPipe StdioMode = iota
	// StdioInherit connects the stream to the parent's own.
	StdioInherit
	// StdioNone leaves the stream unset; exec then connects it to the
	// null device in the child.
	StdioNone
	// StdioFile redirects the stream to/from an already-open file.
	StdioFile
	// StdioFD redirects the stream to/from an existing file descriptor,
	// opened and owned by the caller.
	StdioFD
	// StdioPath opens a path and redirects the stream to/from it. Stdin
	// is opened read-only; stdout/stderr are opened write-only,
	// created if missing, and truncated.
	StdioPath
	// StdioStdoutAlias fuses stderr into stdout. Only meaningful for
	// the stderr stream.
	StdioStdoutAlias
)

// Stdio configures one of the subprocess's standard streams.
type Stdio struct {
	Mode StdioMode
	File *os.File // used when Mode == StdioFile
	FD   int      // used when Mode == StdioFD
	Path string   // used when Mode == StdioPath
}

// ProcessConfig configures a subprocess spawn.
type ProcessConfig struct {
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Stdin  Stdio
	Stdout Stdio
	Stderr Stdio
	Logger *Logger
}

// ProcessOption configures a ProcessConfig passed to Start.
type ProcessOption func(*ProcessConfig)

// WithProcessConfig sets the full process configuration.
func WithProcessConfig(cfg ProcessConfig) ProcessOption {
	return func(c *ProcessConfig) { *c = cfg }
}

// WithProcessPath sets the binary to execute.
func WithProcessPath(path string) ProcessOption {
	return func(c *ProcessConfig) { c.Path = path }
}

// WithProcessArgs sets argv[1:].
func WithProcessArgs(args ...string) ProcessOption {
	return func(c *ProcessConfig) { c.Args = args }
}

// WithProcessEnv sets the child's environment.
func WithProcessEnv(env []string) ProcessOption {
	return func(c *ProcessConfig) { c.Env = env }
}

// WithProcessDir sets the child's working directory.
func WithProcessDir(dir string) ProcessOption {
	return func(c *ProcessConfig) { c.Dir = dir }
}

// WithProcessStdin configures the child's stdin.
func WithProcessStdin(s Stdio) ProcessOption {
	return func(c *ProcessConfig) { c.Stdin = s }
}

// WithProcessStdout configures the child's stdout.
func WithProcessStdout(s Stdio) ProcessOption {
	return func(c *ProcessConfig) { c.Stdout = s }
}

// WithProcessStderr configures the child's stderr.
func WithProcessStderr(s Stdio) ProcessOption {
	return func(c *ProcessConfig) { c.Stderr = s }
}

// WithProcessLogger sets the logger used for escalation/warning messages.
func WithProcessLogger(l *Logger) ProcessOption {
	return func(c *ProcessConfig) { c.Logger = l }
}

// Process is a spawned child with configurable stdio wiring and
// explicit close+reap semantics. The binary is always executed
// directly, never through a shell, with argv[0] set to its path.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	logger  *Logger
	mu      sync.Mutex
	exited  bool
	exitErr error
	exitCh  chan struct{}
	closed  bool
}

// Start spawns the subprocess configured by opts.
func Start(opts ...ProcessOption) (*Process, error) {
	var cfg ProcessConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = DefaultLogger()
	}

	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Args[0] = cfg.Path
	cmd.Env = cfg.Env
	cmd.Dir = cfg.Dir

	p := &Process{cmd: cmd, logger: logger, exitCh: make(chan struct{})}

	var parentOwned []*os.File // StdioPath files to close in the parent once the child has its own copy

	stdinFile, err := wireStream(cmd, &p.stdin, nil, cfg.Stdin, os.O_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("wiring stdin: %w", err)
	}
	if stdinFile != nil {
		parentOwned = append(parentOwned, stdinFile)
	}

	stdoutFile, err := wireStream(cmd, nil, &p.stdout, cfg.Stdout, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, fmt.Errorf("wiring stdout: %w", err)
	}
	if stdoutFile != nil {
		parentOwned = append(parentOwned, stdoutFile)
	}

	switch cfg.Stderr.Mode {
	case StdioStdoutAlias:
		cmd.Stderr = cmd.Stdout
	default:
		stderrFile, err := wireStream(cmd, nil, nil, cfg.Stderr, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return nil, fmt.Errorf("wiring stderr: %w", err)
		}
		if stderrFile != nil {
			parentOwned = append(parentOwned, stderrFile)
		}
	}

	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		for _, f := range parentOwned {
			_ = f.Close()
		}
		return nil, fmt.Errorf("starting %s: %w", cfg.Path, err)
	}

	// The child has its own copy of any StdioPath file by now; the
	// parent's copy is no longer needed.
	for _, f := range parentOwned {
		_ = f.Close()
	}

	go p.monitor()
	return p, nil
}

// wireStream sets cmd's corresponding std stream per s. For StdioPipe it
// populates *inPipe or *outPipe (whichever is non-nil) via exec.Cmd's
// pipe constructors. For StdioPath it opens the path and returns the
// *os.File the caller must close in the parent once the child has
// started (the child has its own descriptor from the fork's dup2 by
// then); for every other mode it returns nil, since StdioFD's file is
// owned by the caller and StdioFile's was already open.
func wireStream(cmd *exec.Cmd, inPipe *io.WriteCloser, outPipe *io.ReadCloser, s Stdio, pathFlags int) (*os.File, error) {
	switch s.Mode {
	case StdioPipe:
		if inPipe != nil {
			w, err := cmd.StdinPipe()
			if err != nil {
				return nil, err
			}
			*inPipe = w
		}
		if outPipe != nil {
			r, err := cmd.StdoutPipe()
			if err != nil {
				return nil, err
			}
			*outPipe = r
		}
		return nil, nil
	case StdioInherit:
		assignInheritedStream(cmd, inPipe, outPipe)
		return nil, nil
	case StdioFile:
		assignFile(cmd, inPipe, outPipe, s.File)
		return nil, nil
	case StdioFD:
		// The fd is owned by the caller; exec dup2's it into the child
		// during fork, so the parent's copy is left untouched here.
		f := os.NewFile(uintptr(s.FD), fmt.Sprintf("fd%d", s.FD))
		assignFile(cmd, inPipe, outPipe, f)
		return nil, nil
	case StdioPath:
		f, err := os.OpenFile(s.Path, pathFlags, 0o644)
		if err != nil {
			return nil, err
		}
		assignFile(cmd, inPipe, outPipe, f)
		return f, nil
	case StdioNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown stdio mode %d", s.Mode)
	}
}

func assignInheritedStream(cmd *exec.Cmd, inPipe *io.WriteCloser, outPipe *io.ReadCloser) {
	switch {
	case inPipe != nil:
		cmd.Stdin = os.Stdin
	case outPipe != nil:
		cmd.Stdout = os.Stdout
	default:
		cmd.Stderr = os.Stderr
	}
}

func assignFile(cmd *exec.Cmd, inPipe *io.WriteCloser, outPipe *io.ReadCloser, f *os.File) {
	switch {
	case inPipe != nil:
		cmd.Stdin = f
	case outPipe != nil:
		cmd.Stdout = f
	default:
		cmd.Stderr = f
	}
}

func (p *Process) monitor() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exited = true
	p.exitErr = err
	close(p.exitCh)
	p.mu.Unlock()
}

// Stdin returns the subprocess's stdin pipe, if StdioPipe was used.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the subprocess's stdout pipe, if StdioPipe was used.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Pid returns the subprocess's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Poll reports whether the process has exited, without blocking.
func (p *Process) Poll() (exited bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited, p.exitErr
}

// Wait blocks until the process exits.
func (p *Process) Wait() error {
	<-p.exitCh
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// ExitCh is closed when the process has exited.
func (p *Process) ExitCh() <-chan struct{} { return p.exitCh }

// Close closes the parent's pipe ends and, if the process is still
// running, escalates: terminate, wait up to 5 seconds, then kill. It is
// idempotent.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	if p.stdout != nil {
		_ = p.stdout.Close()
	}

	select {
	case <-p.exitCh:
		return nil
	default:
	}

	terminateProcess(p.cmd.Process, p.logger)

	select {
	case <-p.exitCh:
		return nil
	case <-time.After(5 * time.Second):
	}

	p.logger.Warn("subprocess did not exit after terminate, killing pid=%d", p.cmd.Process.Pid)
	killProcess(p.cmd.Process, p.logger)

	select {
	case <-p.exitCh:
	case <-time.After(5 * time.Second):
		p.logger.Error("%v: pid=%d", errSubprocessTermStuck, p.cmd.Process.Pid)
	}
	return nil
}

// WithProcess starts a subprocess per cfg, runs fn with the handle, and
// guarantees Close (terminate + reap) on return, whether fn returns an
// error or not. This is the scoped form spec.md §4.G calls for.
func WithProcess(cfg ProcessConfig, fn func(*Process) error) (err error) {
	p, startErr := Start(WithProcessConfig(cfg))
	if startErr != nil {
		return startErr
	}
	defer func() {
		closeErr := p.Close()
		if err == nil {
			err = closeErr
		}
	}()
	return fn(p)
}
