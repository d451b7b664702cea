package main

import "github.com/busybox42/elemta-queue/cmd/elemta-queue/commands"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	commands.SetVersion(version, commit, date)
	commands.Execute()
}
