package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRingBuffer_Log(t *testing.T) {
	rb := NewRingBuffer(10)

	var received Event
	rb.Subscribe(func(e Event) { received = e })

	e := Event{
		Type:        EventWaitCertBegin,
		ValidatorID: "02aa",
		Message:     "test message",
	}
	rb.Log(e)

	if received.ValidatorID != "02aa" {
		t.Errorf("ValidatorID = %q, want '02aa'", received.ValidatorID)
	}
	if received.ID == "" {
		t.Error("ID should be auto-generated")
	}
	if received.Timestamp.IsZero() {
		t.Error("Timestamp should be auto-set")
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)

	var count atomic.Int64
	rb.Subscribe(func(e Event) { count.Add(1) })

	for i := 0; i < 10; i++ {
		rb.Log(Event{
			Type:    EventWaitCertBegin,
			Message: string(rune('A' + i)),
		})
	}

	if count.Load() != 10 {
		t.Errorf("handler received %d events, want 10 (buffer wraps but still notifies)", count.Load())
	}
}

func TestRingBuffer_Subscribe(t *testing.T) {
	rb := NewRingBuffer(10)

	var received []Event
	var mu sync.Mutex

	unsubscribe := rb.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})

	rb.Log(Event{Type: EventWaitCertBegin, ValidatorID: "test"})
	rb.Log(Event{Type: EventWaitCertFinalized, ValidatorID: "test"})

	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	if len(received) != 2 {
		t.Errorf("received %d events, want 2", len(received))
	}
	mu.Unlock()

	unsubscribe()

	rb.Log(Event{Type: EventWaitCertAborted, ValidatorID: "test"})
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	if len(received) != 2 {
		t.Errorf("received %d events after unsubscribe, want 2", len(received))
	}
	mu.Unlock()
}

func TestRingBuffer_Concurrent(t *testing.T) {
	rb := NewRingBuffer(1000)

	var wg sync.WaitGroup
	var receivedCount atomic.Int64

	rb.Subscribe(func(e Event) {
		receivedCount.Add(1)
	})

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rb.Log(Event{
					Type:        EventWaitCertBegin,
					ValidatorID: string(rune('A' + id)),
				})
			}
		}(i)
	}

	wg.Wait()

	if receivedCount.Load() != 1000 {
		t.Errorf("receivedCount = %d, want 1000", receivedCount.Load())
	}
}

func TestEventBuilder(t *testing.T) {
	event := NewEvent(EventWaitCertFinalized).
		ValidatorID("02aa").
		BlockID("deadbeef").
		Component("waitcert").
		Severity(SeverityInfo).
		Message("wait certificate finalized").
		Metadata("duration_ns", "100000000").
		Build()

	if event.Type != EventWaitCertFinalized {
		t.Errorf("Type = %v, want EventWaitCertFinalized", event.Type)
	}
	if event.ValidatorID != "02aa" {
		t.Errorf("ValidatorID = %q, want '02aa'", event.ValidatorID)
	}
	if event.BlockID != "deadbeef" {
		t.Errorf("BlockID = %q, want 'deadbeef'", event.BlockID)
	}
	if event.Component != "waitcert" {
		t.Errorf("Component = %q, want 'waitcert'", event.Component)
	}
	if event.Severity != SeverityInfo {
		t.Errorf("Severity = %v, want SeverityInfo", event.Severity)
	}
	if event.Message != "wait certificate finalized" {
		t.Errorf("Message = %q, want 'wait certificate finalized'", event.Message)
	}
	if event.Metadata["duration_ns"] != "100000000" {
		t.Errorf("Metadata[duration_ns] = %q, want '100000000'", event.Metadata["duration_ns"])
	}
	if event.ID == "" {
		t.Error("ID should be auto-generated")
	}
}

func TestEventBuilder_ErrorFrom(t *testing.T) {
	t.Run("with error", func(t *testing.T) {
		event := NewEvent(EventEnclaveRPCFailed).
			ErrorFrom(context.DeadlineExceeded).
			Build()

		if event.Error != context.DeadlineExceeded.Error() {
			t.Errorf("Error = %q, want %q", event.Error, context.DeadlineExceeded.Error())
		}
		if event.Severity != SeverityError {
			t.Errorf("Severity = %v, want SeverityError", event.Severity)
		}
	})

	t.Run("with nil error", func(t *testing.T) {
		event := NewEvent(EventWaitCertBegin).
			ErrorFrom(nil).
			Build()

		if event.Error != "" {
			t.Errorf("Error = %q, want empty", event.Error)
		}
	})
}

func TestEventBuilder_LogTo(t *testing.T) {
	rb := NewRingBuffer(10)

	var received Event
	rb.Subscribe(func(e Event) { received = e })

	NewEvent(EventWaitCertBegin).
		ValidatorID("test").
		Message("hello").
		LogTo(rb)

	if received.Message != "hello" {
		t.Errorf("Message = %q, want 'hello'", received.Message)
	}
}

func TestNoOpLogger(t *testing.T) {
	var logger NoOpLogger

	logger.Log(Event{})
	unsubscribe := logger.Subscribe(func(e Event) {})
	unsubscribe()
}

func TestEvent_String(t *testing.T) {
	event := Event{
		Type:        EventWaitCertBegin,
		ValidatorID: "test",
		Message:     "hello",
	}

	str := event.String()
	if str == "" {
		t.Error("String() should not be empty")
	}
	if str[0] != '{' {
		t.Error("String() should return JSON")
	}
}
