package main

import "github.com/aceteam-ai/reelpipe/cmd"

func main() {
	cmd.Execute()
}
