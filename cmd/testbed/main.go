// Command testbed runs the network-aware scheduling testbed and inspects
// link profiles.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
