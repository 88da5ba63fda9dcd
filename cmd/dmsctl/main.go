// Command dmsctl is the Dynamic Mount Service operator CLI: ledger
// inspection and soft-delete against the admin HTTP API, plus direct
// mount/unmount probes against a live node for troubleshooting.
package main

import (
	"fmt"
	"os"

	"github.com/dhiraj-trilio/trilio-dms/cmd/dmsctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
