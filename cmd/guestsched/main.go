package main

import "github.com/example/guest-scheduler/cmd"

func main() {
	cmd.Execute()
}
