// Package logging wires the structured diagnostic logger and the
// contractual -v verbose event sink (spec.md §6).
package logging

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the structured diagnostic logger. It is always active —
// unlike the verbose sink, it is not gated by -v.
func New(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).
		With().Timestamp().Logger()
}

// VerboseSink emits one line per protocol event in the exact contractual
// format: <digest6>: <subsystem>: <dir>: <peer>: <event>. It is a
// dedicated emitter, independent of the structured logger, so its format
// can never drift with logger configuration changes.
type VerboseSink interface {
	Emit(subsystem, dir, peer, event string)
}

type nopSink struct{}

func (nopSink) Emit(string, string, string, string) {}

// Nop returns a VerboseSink that discards every event; used when -v is not
// set.
func Nop() VerboseSink { return nopSink{} }

type writerSink struct {
	w       io.Writer
	digest6 string
}

// NewVerboseSink returns a VerboseSink writing to w, tagged with the first
// 6 hex characters of infoHash.
func NewVerboseSink(w io.Writer, infoHash [20]byte) VerboseSink {
	return &writerSink{w: w, digest6: hex.EncodeToString(infoHash[:])[:6]}
}

func (s *writerSink) Emit(subsystem, dir, peer, event string) {
	fmt.Fprintf(s.w, "%s: %s: %s: %s: %s\n", s.digest6, subsystem, dir, peer, event)
}
