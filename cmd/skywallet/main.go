package main

import "github.com/skyfold/skywallet/cmd/skywallet/cmd"

func main() {
	cmd.Execute()
}
