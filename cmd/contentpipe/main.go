// contentpipe runs staged content plans over batches of items.
//
// Usage:
//
//	contentpipe run --plan plan.yaml --items items.yaml [--run-id id] [-o result.json]
//	contentpipe plan validate plan.yaml
//	contentpipe stages
//	contentpipe inspect <run-id>
//	contentpipe config show
package main

import (
	"fmt"
	"os"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
