package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/endeavourhealth/transforms/internal/cli"
	_ "github.com/endeavourhealth/transforms/internal/core/sources" // Register all sources
)

func main() {
	// A missing .env is fine; flags carry everything the CLI needs.
	_ = godotenv.Load()

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
