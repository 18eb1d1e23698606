//go:build windows

package process

import (
	"fmt"
	"syscall"
)

func pipeSysProcAttr() *syscall.SysProcAttr {
	return nil
}

// signalGroup kills the shell for Terminate and ForceKill. Interrupt is
// delivered as ^C on stdin by the caller where the shell supports it.
func signalGroup(p *execProcess, sig Signal) error {
	switch sig {
	case Interrupt:
		return nil
	case Terminate, ForceKill:
		if err := p.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill %d: %w", p.cmd.Process.Pid, err)
		}
		return nil
	}
	return fmt.Errorf("unsupported signal %q", sig)
}
