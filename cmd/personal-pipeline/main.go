// Package main provides the entry point for the personal-pipeline
// server.
package main

import (
	"os"

	"github.com/dpark2025/personal-pipeline/cmd/personal-pipeline/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
