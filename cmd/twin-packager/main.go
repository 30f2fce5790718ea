package main

import "github.com/oshokin/twin-agent/cmd/twin-packager/cmd"

func main() {
	cmd.Execute()
}
