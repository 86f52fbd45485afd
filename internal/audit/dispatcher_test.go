package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"runtime"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, Event) { s.count.Add(1) }

type gateSink struct {
	gate chan struct{}
	seen chan Event
}

func newGateSink() *gateSink {
	return &gateSink{gate: make(chan struct{}), seen: make(chan Event, 16)}
}

func (s *gateSink) Emit(_ context.Context, event Event) {
	<-s.gate
	s.seen <- event
}

func TestDispatcherDisabledIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, &countingSink{})
	if d != nil {
		t.Fatal("expected nil dispatcher when disabled")
	}
	d.Emit(context.Background(), Event{EventType: "x"})
	d.Close()
	if d.Dropped() != 0 || d.Emitted() != 0 {
		t.Fatal("nil dispatcher must report zero counters")
	}
}

func TestDispatcherCloseDrainsQueue(t *testing.T) {
	sink := &countingSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 64}, sink)
	for i := 0; i < 50; i++ {
		d.Emit(context.Background(), Event{EventType: "login_success"})
	}
	d.Close()
	if got := sink.count.Load(); got != 50 {
		t.Fatalf("expected 50 events delivered, got %d", got)
	}
	if d.Emitted() != 50 {
		t.Fatalf("expected emitted counter 50, got %d", d.Emitted())
	}
	d.Emit(context.Background(), Event{EventType: "after_close"})
	if got := sink.count.Load(); got != 50 {
		t.Fatalf("emit after close must be ignored, got %d", got)
	}
}

func TestDispatcherDropIfFullKeepsCriticalEvents(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sink := newGateSink()
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true, Logger: zap.New(core)}, sink)

	// First event is picked up by the worker and blocks in the sink; the
	// second fills the buffer.
	d.Emit(context.Background(), Event{EventType: "first"})
	for len(d.events) > 0 {
		runtime.Gosched()
	}
	d.Emit(context.Background(), Event{EventType: "second"})
	d.Emit(context.Background(), Event{EventType: "dropped"})

	done := make(chan struct{})
	go func() {
		d.Emit(context.Background(), Event{EventType: "refresh_reuse_detected", Severity: SeverityCritical})
		close(done)
	}()

	close(sink.gate)
	<-done
	d.Close()

	if d.Dropped() == 0 {
		t.Fatal("expected at least one dropped event")
	}
	var critical bool
	for len(sink.seen) > 0 {
		if ev := <-sink.seen; ev.Severity == SeverityCritical {
			critical = true
		}
	}
	if !critical {
		t.Fatal("critical event must never be dropped")
	}
	if logs.FilterMessage("audit buffer full, dropping events").Len() != 1 {
		t.Fatalf("expected one drop warning, got %d", logs.Len())
	}
}

func TestDispatcherRecoversSinkPanic(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4, Logger: zap.New(core)}, panicSink{})
	d.Emit(context.Background(), Event{EventType: "boom"})
	d.Close()
	if logs.FilterMessage("audit sink panicked").Len() != 1 {
		t.Fatal("expected sink panic to be logged")
	}
}

type panicSink struct{}

func (panicSink) Emit(context.Context, Event) { panic("sink failure") }

func TestJSONWriterSinkWritesLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), Event{EventType: "logout_all", PrincipalID: "p1", Severity: SeverityInfo, Success: true})

	var got Event
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EventType != "logout_all" || got.PrincipalID != "p1" || !got.Success {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestZapSinkLevelFollowsSeverity(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewZapSink(zap.New(core))
	sink.Emit(context.Background(), Event{EventType: "refresh_reuse_detected", Severity: SeverityCritical})
	sink.Emit(context.Background(), Event{EventType: "login_success"})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.ErrorLevel || entries[1].Level != zapcore.InfoLevel {
		t.Fatalf("unexpected levels %v %v", entries[0].Level, entries[1].Level)
	}
}
