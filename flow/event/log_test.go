package event

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLogHandler_Text(t *testing.T) {
	var buf bytes.Buffer
	h := NewLogHandler(&buf)

	h.Handle(Event{RunID: "run-001", Seq: 3, Kind: KindDispatch, Node: "rank"})

	line := buf.String()
	if !strings.HasPrefix(line, "[dispatch] run=run-001 seq=3 node=rank") {
		t.Errorf("unexpected text line: %q", line)
	}
}

func TestLogHandler_TextWithPayload(t *testing.T) {
	var buf bytes.Buffer
	h := NewLogHandler(&buf)

	h.Handle(Event{
		RunID:   "run-001",
		Seq:     4,
		Kind:    KindFailure,
		Node:    "rank",
		Payload: map[string]any{"error": "boom"},
	})

	line := buf.String()
	if !strings.Contains(line, `payload={"error":"boom"}`) {
		t.Errorf("payload missing from line: %q", line)
	}
}

func TestLogHandler_JSON(t *testing.T) {
	var buf bytes.Buffer
	h := NewJSONLogHandler(&buf)

	h.Handle(Event{
		RunID: "run-001",
		Seq:   1,
		Kind:  KindSuccess,
		Node:  "retrieve",
		Time:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	})

	var decoded Event
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.RunID != "run-001" || decoded.Kind != KindSuccess || decoded.Seq != 1 {
		t.Errorf("decoded event = %+v", decoded)
	}
}

func TestLogHandler_NilWriterDefaultsToStdout(t *testing.T) {
	h := NewLogHandler(nil)
	if h.w == nil {
		t.Fatal("writer should default to stdout")
	}
}
