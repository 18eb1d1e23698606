//go:build !windows

package process

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

func pipeSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func unixSignal(sig Signal) (unix.Signal, error) {
	switch sig {
	case Interrupt:
		return unix.SIGINT, nil
	case Terminate:
		return unix.SIGTERM, nil
	case ForceKill:
		return unix.SIGKILL, nil
	}
	return 0, fmt.Errorf("unsupported signal %q", sig)
}

// signalGroup signals the shell's process group. Both strategies start the
// shell as a group leader (Setpgid for pipes, Setsid for ptys).
func signalGroup(p *execProcess, sig Signal) error {
	s, err := unixSignal(sig)
	if err != nil {
		return err
	}
	pid := p.cmd.Process.Pid
	if err := unix.Kill(-pid, s); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		if err := unix.Kill(pid, s); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("signal %s to %d: %w", sig, pid, err)
		}
	}
	return nil
}
