package main

import (
	"github.com/BioHazard786/Warpcam/cli/cmd"
	"github.com/BioHazard786/Warpcam/cli/internal/logging"
)

func main() {
	logging.Init()
	cmd.Execute()
}
