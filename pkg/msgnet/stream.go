package msgnet

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/prep/socketpair"
	"github.com/sammck-go/msgport/internal/logger"
	"go.uber.org/multierr"
)

// NewStreamConn serves a Conn over a byte stream using length-prefixed frames.
// Ownership of rwc passes to the Conn.
func NewStreamConn(lg logger.Logger, transport string, rwc io.ReadWriteCloser, cfg *Config) (*Conn, error) {
	cfg = cfg.orDefault()
	frames := NewStreamFrameConn(lg.ForkLog("Frames(%s)", transport), rwc, cfg.MaxFrameSize)
	c, err := NewConn(lg, transport, frames, cfg)
	if err != nil {
		rwc.Close()
		return nil, err
	}
	return c, nil
}

// NewPipeConnPair creates two Conns connected to each other through a unix socketpair
func NewPipeConnPair(lg logger.Logger, cfg *Config) (*Conn, *Conn, error) {
	s0, s1, err := socketpair.New("unix")
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair failed: %w", err)
	}
	c0, err := NewStreamConn(lg, "socketpair", s0, cfg)
	if err != nil {
		s1.Close()
		return nil, nil, err
	}
	c1, err := NewStreamConn(lg, "socketpair", s1, cfg)
	if err != nil {
		c0.Close()
		return nil, nil, err
	}
	return c0, c1, nil
}

// PipeConn joins a read stream and a write stream (e.g., stdin and stdout) into one
// io.ReadWriteCloser
type PipeConn struct {
	input          io.ReadCloser
	output         io.WriteCloser
	closeWriteOnce sync.Once
	closeWriteErr  error
	closeOnce      sync.Once
	closeErr       error
}

// NewPipeConn creates a new PipeConn
func NewPipeConn(input io.ReadCloser, output io.WriteCloser) *PipeConn {
	return &PipeConn{
		input:  input,
		output: output,
	}
}

func (c *PipeConn) String() string {
	return fmt.Sprintf("PipeConn(%v->%v)", c.input, c.output)
}

// CloseWrite shuts down the writing side of the pipe. The peer reads end-of-stream.
func (c *PipeConn) CloseWrite() error {
	c.closeWriteOnce.Do(func() {
		c.closeWriteErr = c.output.Close()
	})
	return c.closeWriteErr
}

// Close closes both streams
func (c *PipeConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = multierr.Append(c.CloseWrite(), c.input.Close())
	})
	return c.closeErr
}

// Read implements the Reader interface
func (c *PipeConn) Read(p []byte) (n int, err error) {
	return c.input.Read(p)
}

// Write implements the Writer interface
func (c *PipeConn) Write(p []byte) (n int, err error) {
	return c.output.Write(p)
}

// NewStdioConn serves a Conn over this process's stdin and stdout. It is the child
// side of NewProcessConn.
func NewStdioConn(lg logger.Logger, cfg *Config) (*Conn, error) {
	return NewStreamConn(lg, "stdio", NewPipeConn(os.Stdin, os.Stdout), cfg)
}

// processPipe is a PipeConn over a child's stdio that reaps the child on Close
type processPipe struct {
	*PipeConn
	lg       logger.Logger
	cmd      *exec.Cmd
	waitOnce sync.Once
	waitErr  error
}

func (p *processPipe) Close() error {
	err := p.PipeConn.Close()
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		p.lg.DLogf("Child process %d exited: %v", p.cmd.Process.Pid, p.waitErr)
	})
	return multierr.Append(err, p.waitErr)
}

// NewProcessConn starts cmd and serves a Conn over its stdin and stdout. The child is
// expected to serve its end with NewStdioConn. Closing the Conn closes the child's
// stdin and waits for it to exit.
func NewProcessConn(lg logger.Logger, cmd *exec.Cmd, cfg *Config) (*Conn, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("could not start %s: %w", cmd.Path, err)
	}
	lg.DLogf("Started child process %d: %s", cmd.Process.Pid, cmd.Path)
	p := &processPipe{PipeConn: NewPipeConn(stdout, stdin), lg: lg, cmd: cmd}
	return NewStreamConn(lg, "process", p, cfg)
}
