package main

import (
	"github.com/tetherhq/tether/internal/cli"
	"github.com/tetherhq/tether/internal/logging"
)

func main() {
	logging.Init()
	cli.Execute()
}
