// Package logx wires up structured logging for every node.
//
// Big idea: log.Printf tells you something happened; a structured logger
// tells you something happened to replica N during term T. Every component
// in this repo logs through a zerolog.Logger that already carries node_id,
// so operators can grep one replica's log out of a mixed cluster.
package logx

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger tagged with this node's identity. component is a
// short tag ("aol", "raft", "server", ...) identifying the subsystem that
// owns a given log line.
func New(nodeID, component string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(w).With().
		Timestamp().
		Str("node_id", nodeID).
		Str("component", component).
		Logger()
}

// Console returns a human-friendly console writer, useful for local runs
// and the CLI client. Production deployments should log JSON (the New
// default) so logs stay machine-parseable.
func Console() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
}
