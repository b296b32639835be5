// Command robopt runs robust optimization scenarios from the command line and
// inspects the runs stored by the server.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
