package main

import "dataharvest/cmd/harvest-cli/commands"

func main() {
	commands.Execute()
}
