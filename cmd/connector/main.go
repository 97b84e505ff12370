// Command connector is the operator CLI for the Kite connectivity layer.
package main

import (
	"os"

	"kite-connector/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
