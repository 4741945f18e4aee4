package main

import "github.com/fleetops/gpsgate/cmd/gpsgatectl/commands"

func main() {
	commands.Execute()
}
