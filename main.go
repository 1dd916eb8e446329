package main

import (
	"github.com/pairlink/pairlink/cmd"
	"github.com/pairlink/pairlink/internal/logging"
)

func main() {
	// Initialize logging
	logging.Init()
	cmd.Execute()
}
