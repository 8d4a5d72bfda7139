// Command readcache reads byte ranges from local files and S3 objects through
// a coalescing read-ahead cache.
package main

import (
	"os"

	"github.com/pithecene-io/readcache/cmd/readcache/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
