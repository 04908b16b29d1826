package proxy

import (
	"log"
	"strings"

	"github.com/rs/zerolog"
)

type zerologWriter struct {
	logger zerolog.Logger
}

func (w zerologWriter) Write(p []byte) (int, error) {
	w.logger.Warn().Msg(strings.TrimSpace(string(p)))
	return len(p), nil
}

// newErrorLog routes ReverseProxy's internal messages, such as errors while
// copying a response body, into the structured logger.
func newErrorLog(logger zerolog.Logger) *log.Logger {
	return log.New(zerologWriter{logger: logger}, "", 0)
}
