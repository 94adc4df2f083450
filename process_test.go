package clangdconn

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestProcessStartAndWait(t *testing.T) {
	p, err := Start(WithProcessConfig(ProcessConfig{
		Path:   "/bin/sh",
		Args:   []string{"-c", "exit 0"},
		Stdin:  Stdio{Mode: StdioNone},
		Stdout: Stdio{Mode: StdioNone},
		Stderr: Stdio{Mode: StdioNone},
		Logger: NullLogger,
	}))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case <-p.ExitCh():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit")
	}

	if exited, _ := p.Poll(); !exited {
		t.Fatal("Poll() reports not exited after ExitCh closed")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestProcessCloseTerminatesLongRunningChild(t *testing.T) {
	p, err := Start(
		WithProcessPath("/bin/sh"),
		WithProcessArgs("-c", "sleep 60"),
		WithProcessStdin(Stdio{Mode: StdioNone}),
		WithProcessStdout(Stdio{Mode: StdioNone}),
		WithProcessStderr(Stdio{Mode: StdioNone}),
		WithProcessLogger(NullLogger),
	)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Close()
	}()

	select {
	case <-done:
	case <-time.After(7 * time.Second):
		t.Fatal("Close() did not escalate to termination in time")
	}

	if exited, _ := p.Poll(); !exited {
		t.Fatal("expected process to have exited after Close()")
	}
}

func TestProcessCloseIsIdempotent(t *testing.T) {
	p, err := Start(WithProcessConfig(ProcessConfig{
		Path:   "/bin/sh",
		Args:   []string{"-c", "exit 0"},
		Stdin:  Stdio{Mode: StdioNone},
		Stdout: Stdio{Mode: StdioNone},
		Stderr: Stdio{Mode: StdioNone},
		Logger: NullLogger,
	}))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-p.ExitCh()

	if err := p.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestProcessStdioPathRedirectsStdout(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.log")
	p, err := Start(WithProcessConfig(ProcessConfig{
		Path:   "/bin/sh",
		Args:   []string{"-c", "echo hello"},
		Stdin:  Stdio{Mode: StdioNone},
		Stdout: Stdio{Mode: StdioPath, Path: out},
		Stderr: Stdio{Mode: StdioNone},
		Logger: NullLogger,
	}))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-p.ExitCh()
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	contents, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(contents) != "hello\n" {
		t.Fatalf("stdout file contents = %q, want %q", contents, "hello\n")
	}
}

func TestProcessStdioFDRedirectsStdout(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.log")
	f, err := os.Create(out)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer f.Close()

	p, err := Start(WithProcessConfig(ProcessConfig{
		Path:   "/bin/sh",
		Args:   []string{"-c", "echo hello"},
		Stdin:  Stdio{Mode: StdioNone},
		Stdout: Stdio{Mode: StdioFD, FD: int(f.Fd())},
		Stderr: Stdio{Mode: StdioNone},
		Logger: NullLogger,
	}))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-p.ExitCh()
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	contents, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(contents) != "hello\n" {
		t.Fatalf("stdout file contents = %q, want %q", contents, "hello\n")
	}
}

func TestWithProcessClosesOnSuccess(t *testing.T) {
	var pid int
	err := WithProcess(ProcessConfig{
		Path:   "/bin/sh",
		Args:   []string{"-c", "exit 0"},
		Stdin:  Stdio{Mode: StdioNone},
		Stdout: Stdio{Mode: StdioNone},
		Stderr: Stdio{Mode: StdioNone},
		Logger: NullLogger,
	}, func(p *Process) error {
		pid = p.Pid()
		<-p.ExitCh()
		return nil
	})
	if err != nil {
		t.Fatalf("WithProcess() error = %v", err)
	}
	if pid == 0 {
		t.Fatal("expected fn to observe a non-zero pid")
	}
}

func TestWithProcessPropagatesFnError(t *testing.T) {
	sentinel := os.ErrClosed
	err := WithProcess(ProcessConfig{
		Path:   "/bin/sh",
		Args:   []string{"-c", "sleep 60"},
		Stdin:  Stdio{Mode: StdioNone},
		Stdout: Stdio{Mode: StdioNone},
		Stderr: Stdio{Mode: StdioNone},
		Logger: NullLogger,
	}, func(p *Process) error {
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("WithProcess() error = %v, want %v", err, sentinel)
	}
}
