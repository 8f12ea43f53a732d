package main

import "voiceterm/internal/cmd"

func main() {
	cmd.Execute()
}
