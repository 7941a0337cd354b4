// Command pgsim is a demand-paging and FIFO-replacement simulator: it
// drives the paging stack in internal/paging against synthetic process
// images instead of real hardware, for exercising and observing the seed
// scenarios the paging subsystem is built around.
package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/biscuit-vm/vmpage/cmd/pgsim/root"
)

func main() {
	if err := root.NewCmd().Execute(); err != nil {
		logrus.WithError(err).Error("pgsim failed")
		os.Exit(1)
	}
}
