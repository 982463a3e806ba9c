package server

import (
	"io"
	"log"
)

// debugLog carries per-packet tracing. Discarded unless enabled; the main
// logger stays on stderr for operational messages.
var debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

// EnableDebugLogging routes debug tracing to w.
func EnableDebugLogging(w io.Writer) {
	debugLog.SetOutput(w)
}
