// Package logutil provides the shared logging setup for the bridge.
//
// The MCP transport owns stdout, so every log line — whatever its level —
// must go to stderr. When stderr is a terminal the JSON lines are
// pretty-printed for the human watching; piped output stays compact for
// log aggregators.
package logutil

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
)

// isTTY is set once at init time (checks stderr, the log destination).
var isTTY bool

func init() {
	stat, err := os.Stderr.Stat()
	if err == nil {
		isTTY = (stat.Mode() & os.ModeCharDevice) != 0
	}
}

// IsTTY reports whether stderr appears to be a terminal.
func IsTTY() bool {
	return isTTY
}

// Output returns the writer to hand to slog.NewJSONHandler: stderr,
// pretty-printed when a human is watching.
func Output() io.Writer {
	if !isTTY {
		return os.Stderr
	}
	return &prettyJSONWriter{w: os.Stderr}
}

// prettyJSONWriter re-indents each JSON line written to it.
type prettyJSONWriter struct {
	w io.Writer
}

func (pw *prettyJSONWriter) Write(p []byte) (int, error) {
	trimmed := bytes.TrimRight(p, "\n")
	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		// Not valid JSON — pass through unchanged
		return pw.w.Write(p)
	}
	buf.WriteByte('\n')
	_, err := pw.w.Write(buf.Bytes())
	return len(p), err // Return original len to satisfy io.Writer contract
}
