package main

import "possync/cmd/server/cmd"

func main() {
	cmd.Execute()
}
