// Command rtreectl is an offline batch driver for a sampling R-tree:
// bulk-build one from a coordinate file, insert/erase/find single
// values, run range and sample queries, and report block manager
// stats. It never listens on a socket — every subcommand opens the
// tree, does one thing, and closes it, the same role direktiv's cmd/
// tools play relative to its daemon.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "rtreectl")

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
