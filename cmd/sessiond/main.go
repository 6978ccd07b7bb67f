package main

import (
	"fmt"
	"os"

	"sessiond/cmd/internal/cli"

	"github.com/joho/godotenv"
)

func main() {
	// Optional .env for local runs; real environment variables win.
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sessiond:", err)
		os.Exit(1)
	}
}
