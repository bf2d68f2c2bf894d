package main

import "github.com/gpteam/gpbot/cmd"

func main() {
	cmd.Execute()
}
