package main

import "convmem/cmd"

func main() {
	cmd.Execute()
}
