package main

import "github.com/lifeline-sos/lifeline/cmd/lifeline-server/cmd"

func main() {
	cmd.Execute()
}
