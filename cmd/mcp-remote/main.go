// Package main is the entry point for the mcp-remote CLI.
package main

import (
	"os"

	"github.com/hiveport/mcp-remote/cmd/mcp-remote/app"
	"github.com/hiveport/mcp-remote/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(app.ExitCode(err))
	}
}
