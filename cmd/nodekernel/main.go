// Command nodekernel builds a network of simulation nodes across the
// configured ranks, hosted in this OS process, and advances it.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
