package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

const readBufferSize = 32 * 1024

// closeWait bounds how long Close waits for the killed process to be reaped.
const closeWait = 5 * time.Second

// execProcess adapts an *exec.Cmd to Process. Both strategies share it.
type execProcess struct {
	cmd      *exec.Cmd
	shell    Shell
	strategy string
	stdin    io.Writer
	closers  []io.Closer
	// ctrlC writes ETX for Interrupt in addition to signalling.
	ctrlC bool

	output  chan Chunk
	readers sync.WaitGroup
	done    chan struct{}
	closed  chan struct{}
	exitErr error

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newExecProcess(cmd *exec.Cmd, shell Shell, strategy string, stdin io.Writer, ctrlC bool) *execProcess {
	return &execProcess{
		cmd:      cmd,
		shell:    shell,
		strategy: strategy,
		stdin:    stdin,
		ctrlC:    ctrlC,
		output:   make(chan Chunk, 64),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// read pumps r into the output channel until EOF or Close.
func (p *execProcess) read(stream Stream, r io.Reader) {
	p.readers.Add(1)
	go func() {
		defer p.readers.Done()
		buf := make([]byte, readBufferSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case p.output <- Chunk{Stream: stream, Data: data}:
				case <-p.closed:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
}

// watch reaps the process. With readersFirst the pipes are drained before
// Wait, as os/exec requires; a pty is reaped independently and its reader
// ends when the terminal reports EOF or EIO.
func (p *execProcess) watch(readersFirst bool) {
	go func() {
		if readersFirst {
			p.readers.Wait()
		}
		p.exitErr = p.cmd.Wait()
		close(p.done)
	}()
	go func() {
		p.readers.Wait()
		<-p.done
		close(p.output)
	}()
}

func (p *execProcess) Output() <-chan Chunk { return p.output }
func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) Shell() Shell          { return p.shell }
func (p *execProcess) Strategy() string      { return p.strategy }

func (p *execProcess) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

func (p *execProcess) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, errors.New("write to exited shell")
	case <-p.closed:
		return 0, errors.New("write to closed shell")
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.stdin.Write(b)
}

func (p *execProcess) Signal(sig Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if sig == Interrupt && p.ctrlC {
		if _, err := p.Write([]byte{0x03}); err != nil {
			return fmt.Errorf("write interrupt: %w", err)
		}
	}
	return signalGroup(p, sig)
}

func (p *execProcess) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		select {
		case <-p.done:
		default:
			if kerr := signalGroup(p, ForceKill); kerr != nil {
				err = fmt.Errorf("kill shell: %w", kerr)
			}
		}
		for _, c := range p.closers {
			_ = c.Close()
		}
		select {
		case <-p.done:
		case <-time.After(closeWait):
			if err == nil {
				err = fmt.Errorf("shell %d did not exit within %s", p.cmd.Process.Pid, closeWait)
			}
		}
	})
	return err
}
