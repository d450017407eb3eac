package main

import "github.com/tanq16/mediaq/cmd"

func main() {
	cmd.Execute()
}
