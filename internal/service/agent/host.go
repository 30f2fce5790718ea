package agent

import (
	"fmt"
	"os"
	"os/user"
)

// hostInfo identifies the machine and account the agent runs as.
type hostInfo struct {
	Hostname string
	Username string
}

// detectHost gathers host and user information for the reported state.
func detectHost() (hostInfo, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return hostInfo{}, fmt.Errorf("hostname: %w", err)
	}

	currentUser, err := user.Current()
	if err != nil {
		return hostInfo{Hostname: hostname}, fmt.Errorf("current user: %w", err)
	}

	return hostInfo{
		Hostname: hostname,
		Username: currentUser.Username,
	}, nil
}
