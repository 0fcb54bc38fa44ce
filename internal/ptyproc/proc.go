package ptyproc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// Control bytes written into the PTY master to emulate keyboard signals.
const (
	ctrlC = 0x03
	ctrlD = 0x04
)

// ErrTimeout is returned by Read when no data arrived within the poll
// window. The process is still alive; callers should poll again.
var ErrTimeout = errors.New("pty read timeout")

// ErrClosed is returned by writes after the process has exited.
var ErrClosed = errors.New("pty process closed")

// Proc wraps one PTY-backed child process. The command keeps its
// interactive behavior because stdin/stdout are a real terminal; stderr is
// a separate pipe so operational errors can bypass output batching.
type Proc struct {
	cmd    *exec.Cmd
	master *os.File
	stderr *os.File

	mu       sync.Mutex
	exited   bool
	exitCode int
	done     chan struct{}
}

// Start spawns command under a pseudo-terminal in the given working
// directory. The command line is passed to the shell so supervised tools
// keep their usual argument quoting.
func Start(command, cwd string) (*Proc, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = cwd

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stderr = stderrW

	master, err := pty.Start(cmd)
	if err != nil {
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("start pty process: %w", err)
	}
	// The child holds its own copy of the write end.
	stderrW.Close()

	p := &Proc{
		cmd:    cmd,
		master: master,
		stderr: stderrR,
		done:   make(chan struct{}),
	}

	go p.wait()

	return p, nil
}

func (p *Proc) wait() {
	err := p.cmd.Wait()

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}

	p.mu.Lock()
	p.exited = true
	p.exitCode = code
	p.mu.Unlock()
	close(p.done)
}

// Read performs a single poll of the PTY master bounded by pollTimeout.
// It returns ErrTimeout when no data is available yet and io.EOF once the
// process has ended and the master drained.
func (p *Proc) Read(buf []byte, pollTimeout time.Duration) (int, error) {
	if err := p.master.SetReadDeadline(time.Now().Add(pollTimeout)); err != nil {
		return 0, fmt.Errorf("set read deadline: %w", err)
	}

	n, err := p.master.Read(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return n, ErrTimeout
		}
		// Linux reports EIO on the master once the child side is gone.
		if errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) {
			return n, io.EOF
		}
		return n, err
	}
	return n, nil
}

// Stderr returns the read end of the child's stderr pipe.
func (p *Proc) Stderr() io.Reader {
	return p.stderr
}

// WriteLine writes a line of input into the PTY.
func (p *Proc) WriteLine(text string) error {
	if !p.Alive() {
		return ErrClosed
	}
	if _, err := p.master.Write([]byte(text + "\n")); err != nil {
		return fmt.Errorf("write to pty: %w", err)
	}
	return nil
}

// Interrupt injects a Ctrl+C into the PTY. Best effort.
func (p *Proc) Interrupt() error {
	if !p.Alive() {
		return ErrClosed
	}
	_, err := p.master.Write([]byte{ctrlC})
	return err
}

// SendEOF injects a Ctrl+D into the PTY. Best effort.
func (p *Proc) SendEOF() error {
	if !p.Alive() {
		return ErrClosed
	}
	_, err := p.master.Write([]byte{ctrlD})
	return err
}

// Alive reports whether the child process is still running.
func (p *Proc) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

// Pid returns the child process id.
func (p *Proc) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Handle returns an opaque description of the PTY for durable records.
func (p *Proc) Handle() string {
	return fmt.Sprintf("pty:%s#%d", p.master.Name(), p.Pid())
}

// Wait blocks until the process has exited and returns its exit code.
func (p *Proc) Wait() int {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Terminate sends SIGTERM to the child if it is still alive and closes the
// master. Used as a cleanup guarantee for cancelled sessions.
func (p *Proc) Terminate() {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()

	if !exited && p.cmd.Process != nil {
		p.cmd.Process.Signal(syscall.SIGTERM)
	}
	p.master.Close()
	p.stderr.Close()
}
