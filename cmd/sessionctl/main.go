package main

import "git.sr.ht/~jakintosh/session/cmd/sessionctl/cmd"

func main() {
	cmd.Execute()
}
