package main

import "github.com/hostforge/controlplane/cmd/fleetctl/cmd"

func main() {
	cmd.Execute()
}
