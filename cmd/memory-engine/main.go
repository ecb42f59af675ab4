package main

import (
	"os"

	"github.com/rcliao/memory-engine/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
