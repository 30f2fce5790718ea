package supervisor

import (
	"errors"
	"os"
	"syscall"
)

// sysProcAttr puts each daemon in its own process group and has the kernel
// send SIGTERM to it if the agent dies without cleaning up.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// signalGroup sends sig to the daemon's whole process group, so children it
// forked are stopped with it.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	err := syscall.Kill(-p.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}

	return err
}
