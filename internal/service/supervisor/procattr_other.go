//go:build !linux

package supervisor

import (
	"os"
	"syscall"
)

// sysProcAttr returns nil: Pdeathsig is Linux-only and daemons are always
// terminated explicitly by the supervisor.
func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// signalGroup signals the daemon process only.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	if sig == syscall.SIGKILL {
		return p.Kill()
	}

	return p.Signal(sig)
}
