package jsonrpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/drewfead/conductor/internal/executil"
)

// Transport moves whole lines between us and a backend.
type Transport interface {
	ReadLine() ([]byte, error)
	WriteLine(line []byte) error
	Close() error
}

// ErrTransportClosed is returned by transports after Close.
var ErrTransportClosed = errors.New("transport closed")

// SpawnOptions configures a backend subprocess.
type SpawnOptions struct {
	Bin     string
	Args    []string
	WorkDir string
	Env     map[string]string
}

// Process is a backend subprocess speaking over stdin/stdout.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *lineReader

	stderrOut chan string
	done      chan struct{}

	mu       sync.Mutex
	running  bool
	exitCode int
	exitErr  error
	pid      int
}

// Spawn starts the backend binary with piped stdio.
func Spawn(ctx context.Context, opts SpawnOptions) (*Process, error) {
	cmd, err := executil.CommandContext(ctx, opts.Bin, opts.Args...)
	if err != nil {
		return nil, err
	}
	cmd.Dir = opts.WorkDir
	cmd.Env = executil.MergeEnv(cmd.Env, opts.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start %s: %w", opts.Bin, err)
	}

	p := &Process{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    newLineReader(stdout, MaxLineSize),
		stderrOut: make(chan string, 100),
		done:      make(chan struct{}),
		running:   true,
		pid:       cmd.Process.Pid,
	}

	go p.stderrLoop(stderr)
	go p.waitLoop()
	return p, nil
}

// ReadLine returns the next stdout line. Callers must serialise reads.
func (p *Process) ReadLine() ([]byte, error) {
	return p.stdout.ReadLine()
}

// WriteLine writes one frame to stdin.
func (p *Process) WriteLine(line []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return fmt.Errorf("process not running")
	}
	_, err := p.stdin.Write(append(line, '\n'))
	return err
}

// Close kills the process if it is still running.
func (p *Process) Close() error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	p.stdin.Close()
	if running && p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

// Stderr returns stderr lines. Lines are dropped when nobody keeps up.
func (p *Process) Stderr() <-chan string {
	return p.stderrOut
}

// Done closes when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// PID returns the process ID.
func (p *Process) PID() int {
	return p.pid
}

// ExitCode is only meaningful after Done closes.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// ExitErr is the error returned by Wait, if any.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *Process) stderrLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		select {
		case p.stderrOut <- line:
		case <-p.done:
			return
		default:
		}
	}
}

func (p *Process) waitLoop() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.running = false
	p.exitErr = err
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Unlock()

	close(p.done)
}

// pipeTransport is a Transport over an arbitrary reader/writer pair.
type pipeTransport struct {
	r       *lineReader
	w       io.Writer
	closers []io.Closer
	writeMu sync.Mutex
	once    sync.Once
	closed  atomic.Bool
}

// NewPipeTransport frames lines over r and w. Closing the transport closes
// whichever of r and w implement io.Closer.
func NewPipeTransport(r io.Reader, w io.Writer) Transport {
	t := &pipeTransport{r: newLineReader(r, MaxLineSize), w: w}
	if c, ok := r.(io.Closer); ok {
		t.closers = append(t.closers, c)
	}
	if c, ok := w.(io.Closer); ok {
		t.closers = append(t.closers, c)
	}
	return t
}

func (t *pipeTransport) ReadLine() ([]byte, error) {
	return t.r.ReadLine()
}

func (t *pipeTransport) WriteLine(line []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.w.Write(append(line, '\n'))
	return err
}

func (t *pipeTransport) Close() error {
	t.once.Do(func() {
		t.closed.Store(true)
		for _, c := range t.closers {
			c.Close()
		}
	})
	return nil
}

var _ Transport = (*Process)(nil)
