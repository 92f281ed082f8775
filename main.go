package main

import "github.com/aether-media/vidforge/cmd"

func main() {
	cmd.Execute()
}
