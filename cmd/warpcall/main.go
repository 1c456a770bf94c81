package main

import (
	"github.com/BioHazard786/warpcall/internal/commands"
	"github.com/BioHazard786/warpcall/internal/logging"
)

func main() {
	logging.Init()
	commands.Execute()
}
