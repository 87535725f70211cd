package main

import (
	"os"

	"github.com/nakamasato/dagster-diagnostic-agent/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
