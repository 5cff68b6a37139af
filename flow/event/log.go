package event

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogHandler writes each event to a writer, either as human-readable text
// or as one JSON object per line (JSONL).
//
// Example text output:
//
//	[dispatch] run=run-001 seq=3 node=rank
//	[failure] run=run-001 seq=4 node=rank payload={"error":"boom","attempt":1}
type LogHandler struct {
	w    io.Writer
	json bool
}

// NewLogHandler creates a text-mode LogHandler. A nil writer defaults to
// os.Stdout.
func NewLogHandler(w io.Writer) *LogHandler {
	if w == nil {
		w = os.Stdout
	}
	return &LogHandler{w: w}
}

// NewJSONLogHandler creates a JSONL-mode LogHandler. A nil writer defaults
// to os.Stdout.
func NewJSONLogHandler(w io.Writer) *LogHandler {
	h := NewLogHandler(w)
	h.json = true
	return h
}

// Handle writes the event in the configured format.
func (l *LogHandler) Handle(e Event) {
	if l.json {
		data, err := json.Marshal(e)
		if err != nil {
			fmt.Fprintf(l.w, "{\"error\":\"marshal event: %v\"}\n", err)
			return
		}
		fmt.Fprintf(l.w, "%s\n", data)
		return
	}

	fmt.Fprintf(l.w, "[%s] run=%s seq=%d", e.Kind, e.RunID, e.Seq)
	if e.Node != "" {
		fmt.Fprintf(l.w, " node=%s", e.Node)
	}
	if len(e.Payload) > 0 {
		if data, err := json.Marshal(e.Payload); err == nil {
			fmt.Fprintf(l.w, " payload=%s", data)
		}
	}
	fmt.Fprint(l.w, "\n")
}
