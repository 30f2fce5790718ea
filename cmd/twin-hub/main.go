package main

import "github.com/oshokin/twin-agent/cmd/twin-hub/cmd"

func main() {
	cmd.Execute()
}
