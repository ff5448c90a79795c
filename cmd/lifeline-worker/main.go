package main

import "github.com/lifeline-sos/lifeline/cmd/lifeline-worker/cmd"

func main() {
	cmd.Execute()
}
