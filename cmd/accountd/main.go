// Package main is the entry point for the accountd server.
package main

import (
	"os"

	"github.com/ucphhpc/accountd/cmd/accountd/app"
	"github.com/ucphhpc/accountd/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
