package main

import "github.com/jmcleod/ironhall/cmd/ironhall/cmd"

func main() {
	cmd.Execute()
}
