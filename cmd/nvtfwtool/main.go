package main

import (
	"os"

	"github.com/novatek-fw/nvtfwtool/internal/utils/logger"
)

func main() {
	if err := Execute(); err != nil {
		// Every error reaching here is fatal: one-line diagnostic,
		// non-zero exit, no local recovery or retry.
		logger.Logger().Errorf("%v", err)
		os.Exit(1)
	}
}
