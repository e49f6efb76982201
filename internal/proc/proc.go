// Package proc supervises spawned backend processes and exposes their
// stdio as a line-delimited record connection.
package proc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/agentbridge/agentbridge/internal/security"
)

// maxRecordSize bounds a single stdio record. Backend events carry
// full assistant turns, so the limit is generous.
const maxRecordSize = 16 << 20

var ErrStopped = errors.New("process stopped")

// Process is one spawned backend subprocess. Its stdin/stdout pair is
// the record transport handed to the protocol adapter; stderr is
// drained into the log.
type Process struct {
	cmd    *exec.Cmd
	logger *slog.Logger
	grace  time.Duration

	stdin  io.WriteCloser
	reader *bufio.Reader

	writeMu sync.Mutex

	mu      sync.Mutex
	stopped bool
	waitErr error
	done    chan struct{}
}

// Start launches the command with a piped stdio transport. The grace
// duration bounds how long Stop waits between SIGTERM and SIGKILL.
func Start(command string, args []string, dir string, grace time.Duration, logger *slog.Logger) (*Process, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	reader := bufio.NewReaderSize(stdout, 64<<10)
	p := &Process{
		cmd:    cmd,
		logger: logger.With("command", command, "pid", cmd.Process.Pid),
		grace:  grace,
		stdin:  stdin,
		reader: reader,
		done:   make(chan struct{}),
	}

	go p.drainStderr(stderr)
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
		if err != nil {
			p.logger.Info("backend process exited", "error", err)
		} else {
			p.logger.Info("backend process exited")
		}
	}()
	return p, nil
}

func (p *Process) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		// Backends print credentials in their error output.
		p.logger.Debug("backend stderr", "line", security.Redact(scanner.Text()))
	}
}

func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ReadRecord returns the next newline-delimited record from stdout.
func (p *Process) ReadRecord() ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := p.reader.ReadLine()
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > maxRecordSize {
			return nil, fmt.Errorf("record exceeds %d bytes", maxRecordSize)
		}
		if !isPrefix {
			return buf, nil
		}
	}
}

// WriteRecord writes one newline-terminated record to stdin. Writes
// are serialized so concurrent callers never interleave records.
func (p *Process) WriteRecord(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Close initiates teardown: close stdin (most backends exit on EOF),
// SIGTERM, and SIGKILL after the grace window if the process is still
// alive. Idempotent.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.stdin.Close() //nolint:errcheck

	select {
	case <-p.done:
		return nil
	case <-time.After(100 * time.Millisecond):
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Debug("sigterm backend", "error", err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(p.grace):
	}

	p.logger.Warn("backend ignored SIGTERM, killing")
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill backend: %w", err)
	}
	<-p.done
	return nil
}
