package main

import "github.com/relloyd/lakepipe/cmd"

func main() {
	cmd.Execute()
}
