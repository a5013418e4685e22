// Command aggregator crawls the configured manga sources into one catalog and
// serves the crawl control API.
package main

import (
	"context"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
