package main

import "github.com/deemkeen/boardfed/cmd"

func main() {
	cmd.Execute()
}
