package main

import "github.com/oshokin/twin-agent/cmd/twin-agent/cmd"

func main() {
	cmd.Execute()
}
