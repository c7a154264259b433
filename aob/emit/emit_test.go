package emit_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aobuild/aob-go/aob/emit"
)

func TestBufferedEmitterHistory(t *testing.T) {
	e := emit.NewBufferedEmitter()

	e.Emit(emit.Event{CorrelationID: "run-1", Seq: 1, NodeID: "a", Msg: "node_dispatched"})
	e.Emit(emit.Event{CorrelationID: "run-1", Seq: 2, NodeID: "a", Msg: "node_finished"})
	e.Emit(emit.Event{CorrelationID: "run-1", Seq: 3, NodeID: "b", Msg: "node_dispatched",
		Meta: map[string]any{"error": "boom"}})
	e.Emit(emit.Event{CorrelationID: "run-2", Seq: 1, NodeID: "x", Msg: "node_dispatched"})

	if got := len(e.History("run-1")); got != 3 {
		t.Errorf("Expected 3 events for run-1, got %d", got)
	}

	byNode := e.HistoryWithFilter("run-1", emit.HistoryFilter{NodeID: "a"})
	if len(byNode) != 2 {
		t.Errorf("Expected 2 events for node a, got %d", len(byNode))
	}

	bySeq := e.HistoryWithFilter("run-1", emit.HistoryFilter{MinSeq: 2, MaxSeq: 2})
	if len(bySeq) != 1 || bySeq[0].Msg != "node_finished" {
		t.Errorf("Seq filter returned wrong events: %v", bySeq)
	}

	e.Clear("run-1")
	if len(e.History("run-1")) != 0 {
		t.Errorf("Clear did not drop run-1 history")
	}
	if len(e.History("run-2")) != 1 {
		t.Errorf("Clear dropped an unrelated run")
	}
}

func TestLogEmitterStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	e := emit.NewLogEmitter(logger)

	e.Emit(emit.Event{
		CorrelationID: "run-1",
		Seq:           4,
		NodeID:        "summarize",
		Msg:           "node_finished",
		Meta:          map[string]any{"duration_ms": 120},
	})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Log output is not JSON: %v (%q)", err, buf.String())
	}
	if line["correlation_id"] != "run-1" || line["node"] != "summarize" {
		t.Errorf("Missing structured fields: %v", line)
	}
	if line["message"] != "node_finished" {
		t.Errorf("Expected message node_finished, got %v", line["message"])
	}
}

func TestLogEmitterErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.WarnLevel) // debug filtered out
	e := emit.NewLogEmitter(logger)

	e.Emit(emit.Event{CorrelationID: "run-1", Msg: "routine"})
	e.Emit(emit.Event{CorrelationID: "run-1", Msg: "node_failed",
		Meta: map[string]any{"error": "boom"}})

	out := buf.String()
	if strings.Contains(out, "routine") {
		t.Errorf("Debug-level event leaked through warn filter")
	}
	if !strings.Contains(out, "node_failed") {
		t.Errorf("Error-carrying event should log at warn level")
	}
}

func TestMultiEmitterFanout(t *testing.T) {
	a := emit.NewBufferedEmitter()
	b := emit.NewBufferedEmitter()
	multi := emit.NewMultiEmitter(a, b, emit.NewNullEmitter())

	multi.Emit(emit.Event{CorrelationID: "run-1", Msg: "ping"})

	if len(a.History("run-1")) != 1 || len(b.History("run-1")) != 1 {
		t.Errorf("Fanout missed an emitter")
	}
}
