// cloudstore moves large files to and from S3 and GCS object storage.
package main

import (
	"fmt"
	"os"

	"github.com/rescale/cloudstore/internal/cli"
	"github.com/rescale/cloudstore/internal/version"
)

// Version information, set by ldflags
var (
	Version   = "v0.3.0-dev"
	BuildTime = "unknown"
)

func main() {
	version.Version = Version
	version.BuildTime = BuildTime

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.ExitCode(err))
	}
}
