package main

import "github.com/pistobot/neoscratch/cmd"

func main() {
	cmd.Execute()
}
