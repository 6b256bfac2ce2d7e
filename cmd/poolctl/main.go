// Command poolctl inspects and maintains the worker pools directly through
// Redis and Docker, without going through the API server.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(loadApp).Execute(); err != nil {
		os.Exit(1)
	}
}
