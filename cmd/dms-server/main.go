// Command dms-server is the per-node Dynamic Mount Service daemon: it
// drives the mount execution engine (spec §4.4, §4.5) over the RPC
// transport, and optionally hosts the admin HTTP API for operator tooling.
package main

import (
	"fmt"
	"os"

	"github.com/dhiraj-trilio/trilio-dms/cmd/dms-server/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
