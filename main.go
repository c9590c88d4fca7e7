package main

import "psychbot/cmd"

func main() {
	cmd.Execute()
}
