// Command editcored runs the HTTP API server for creating, reading, and
// editing map elements (nodes, ways, relations) inside changesets.
package main

import (
	"log"

	"github.com/osmng/editcore/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
