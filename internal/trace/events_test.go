package trace

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestEventLog_EmitAndReceive(t *testing.T) {
	log := NewEventLog(testLogger())

	var received int32
	log.On(EventConversion, func(e Event) {
		atomic.AddInt32(&received, 1)
	})

	log.Emit(Event{Type: EventConversion, Source: "data_agent"})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestEventLog_WildcardHandler(t *testing.T) {
	log := NewEventLog(testLogger())

	var count int32
	log.On("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	log.Emit(Event{Type: EventConversion})
	log.Emit(Event{Type: EventCompression})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventLog_Off(t *testing.T) {
	log := NewEventLog(testLogger())

	var count int32
	id := log.On(EventDelivery, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	log.Emit(Event{Type: EventDelivery})
	log.Off(EventDelivery, id)
	log.Emit(Event{Type: EventDelivery})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestEventLog_Replay(t *testing.T) {
	log := NewEventLog(testLogger())

	log.Emit(Event{Type: EventConversion})
	log.Emit(Event{Type: EventCompression})
	log.Emit(Event{Type: EventConversion})

	events := log.Replay(EventConversion, time.Time{})
	if len(events) != 2 {
		t.Errorf("expected 2 conversion events, got %d", len(events))
	}

	allEvents := log.Replay("*", time.Time{})
	if len(allEvents) != 3 {
		t.Errorf("expected 3 total events, got %d", len(allEvents))
	}
}

func TestEventLog_ReplaySince(t *testing.T) {
	log := NewEventLog(testLogger())

	log.Emit(Event{Type: EventConversion, Time: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	log.Emit(Event{Type: EventConversion})

	events := log.Replay("*", threshold)
	if len(events) != 1 {
		t.Errorf("expected 1 event since threshold, got %d", len(events))
	}
}

func TestEventLog_HistoryLimit(t *testing.T) {
	log := NewEventLog(testLogger())
	log.maxHistory = 5

	for i := 0; i < 10; i++ {
		log.Emit(Event{Type: EventConversion})
	}

	if log.HistoryLen() != 5 {
		t.Errorf("expected 5, got %d", log.HistoryLen())
	}
}

func TestEventLog_PanicRecovery(t *testing.T) {
	log := NewEventLog(testLogger())

	log.On(EventConversion, func(e Event) {
		panic("handler blew up")
	})

	// Must not propagate to the emitter.
	log.Emit(Event{Type: EventConversion})
}

func TestEventLog_MultipleHandlers(t *testing.T) {
	log := NewEventLog(testLogger())

	var count int32
	log.On(EventConversion, func(e Event) { atomic.AddInt32(&count, 1) })
	log.On(EventConversion, func(e Event) { atomic.AddInt32(&count, 1) })
	log.On(EventConversion, func(e Event) { atomic.AddInt32(&count, 1) })

	log.Emit(Event{Type: EventConversion})

	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("expected 3 handlers called, got %d", count)
	}
}

func TestEventLog_AutoFillsIdentity(t *testing.T) {
	log := NewEventLog(testLogger())

	log.Emit(Event{Type: EventEnvelope, Source: "data_agent"})

	events := log.Replay(EventEnvelope, time.Time{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.ID == "" {
		t.Error("event ID not assigned")
	}
	if e.Time.IsZero() {
		t.Error("event time not assigned")
	}
	if e.Status != StatusOK {
		t.Errorf("default status = %q, want %q", e.Status, StatusOK)
	}
}

func TestEventLog_RecentReturnsTail(t *testing.T) {
	log := NewEventLog(testLogger())
	log.Emit(Event{Type: EventConversion, Source: "a"})
	log.Emit(Event{Type: EventConversion, Source: "b"})
	log.Emit(Event{Type: EventConversion, Source: "c"})

	recent := log.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("Recent(2) = %d events", len(recent))
	}
	if recent[0].Source != "b" || recent[1].Source != "c" {
		t.Errorf("Recent order = %q, %q", recent[0].Source, recent[1].Source)
	}
	if len(log.Recent(10)) != 3 {
		t.Error("Recent over-cap should clamp to history length")
	}
	if log.Recent(0) != nil {
		t.Error("Recent(0) != nil")
	}
}
