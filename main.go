package main

import "github.com/agentic-research/pdom/cmd"

func main() {
	cmd.Execute()
}
