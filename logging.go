package main

import (
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

func setupLogger(w io.Writer, verbose bool) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	if !verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	return logger
}
