package server

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

// testLogger returns a logger for tests that discards output below error level.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBrokerFanOut(t *testing.T) {
	broker := &Broker{
		subscribers: make(map[chan []byte]string),
		logger:      testLogger(),
	}

	ch1 := broker.Subscribe("user-1")
	ch2 := broker.Subscribe("user-1")

	event := formatSSE("update", []byte(`{"subject":"user-1"}`))
	broker.broadcast("user-1", event)

	select {
	case got := <-ch1:
		if string(got) != string(event) {
			t.Errorf("ch1: got %q, want %q", got, event)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch1: timed out waiting for event")
	}

	select {
	case got := <-ch2:
		if string(got) != string(event) {
			t.Errorf("ch2: got %q, want %q", got, event)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch2: timed out waiting for event")
	}

	broker.Unsubscribe(ch1)
	event2 := formatSSE("update", []byte(`{"subject":"user-1","n":2}`))
	broker.broadcast("user-1", event2)

	select {
	case got := <-ch2:
		if string(got) != string(event2) {
			t.Errorf("ch2: got %q, want %q", got, event2)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch2: timed out waiting for event after ch1 unsubscribed")
	}

	broker.Unsubscribe(ch2)
}

func TestBrokerSubjectIsolation(t *testing.T) {
	broker := &Broker{
		subscribers: make(map[chan []byte]string),
		logger:      testLogger(),
	}

	ch1 := broker.Subscribe("user-1")
	ch2 := broker.Subscribe("user-2")

	event := formatSSE("update", []byte(`{"subject":"user-1"}`))
	broker.broadcast("user-1", event)

	select {
	case got := <-ch1:
		if string(got) != string(event) {
			t.Errorf("ch1: got %q, want %q", got, event)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch1: timed out waiting for event")
	}

	select {
	case got := <-ch2:
		t.Fatalf("ch2 (different subject) received event it should not have: %q", got)
	case <-time.After(50 * time.Millisecond):
		// Expected: no event for user-2.
	}

	broker.Unsubscribe(ch1)
	broker.Unsubscribe(ch2)
}

func TestBrokerDropsEmptySubjectEvents(t *testing.T) {
	broker := &Broker{
		subscribers: make(map[chan []byte]string),
		logger:      testLogger(),
	}

	ch := broker.Subscribe("user-1")

	event := formatSSE("update", []byte(`{}`))
	broker.broadcast("", event)

	select {
	case got := <-ch:
		t.Fatalf("subscriber received event that should have been dropped: %q", got)
	case <-time.After(50 * time.Millisecond):
		// Expected: event dropped.
	}

	broker.Unsubscribe(ch)
}

func TestExtractSubject(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{name: "valid subject", payload: `{"subject":"user-1","updated":["name"]}`, want: "user-1"},
		{name: "missing subject", payload: `{"updated":["name"]}`, want: ""},
		{name: "invalid JSON", payload: `not json`, want: ""},
		{name: "empty subject", payload: `{"subject":""}`, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractSubject(tt.payload)
			if got != tt.want {
				t.Errorf("extractSubject(%q) = %q, want %q", tt.payload, got, tt.want)
			}
		})
	}
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("update", []byte(`{"id":"123"}`)))
	want := "event: update\ndata: {\"id\":\"123\"}\n\n"
	if got != want {
		t.Errorf("formatSSE single-line: got %q, want %q", got, want)
	}

	// Multi-line payloads: each line must be prefixed with "data: " per the SSE spec.
	gotMulti := string(formatSSE("test", []byte("line1\nline2\nline3")))
	wantMulti := "event: test\ndata: line1\ndata: line2\ndata: line3\n\n"
	if gotMulti != wantMulti {
		t.Errorf("formatSSE multi-line: got %q, want %q", gotMulti, wantMulti)
	}
}

func TestBrokerSlowSubscriber(t *testing.T) {
	broker := &Broker{
		subscribers: make(map[chan []byte]string),
		logger:      testLogger(),
	}

	slow := broker.Subscribe("user-1")
	fast := broker.Subscribe("user-1")

	for range 65 {
		broker.broadcast("user-1", formatSSE("test", []byte("fill")))
	}

	event := formatSSE("test", []byte("after-fill"))
	broker.broadcast("user-1", event)

	select {
	case <-fast:
		// Got a buffered event — fast subscriber is not blocked.
	case <-time.After(100 * time.Millisecond):
		t.Fatal("fast subscriber should receive events even when slow subscriber is blocked")
	}

	broker.Unsubscribe(slow)
	broker.Unsubscribe(fast)
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	broker := &Broker{
		subscribers: make(map[chan []byte]string),
		logger:      testLogger(),
	}

	ch := broker.Subscribe("user-1")

	event := formatSSE("test", []byte(`{"id":"close-test"}`))
	broker.broadcast("user-1", event)

	select {
	case got := <-ch:
		if string(got) != string(event) {
			t.Errorf("got %q, want %q", got, event)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for event before close")
	}

	broker.Unsubscribe(ch)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed after Unsubscribe, but received a value")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("channel was not closed after Unsubscribe")
	}

	broker.mu.RLock()
	_, exists := broker.subscribers[ch]
	broker.mu.RUnlock()
	if exists {
		t.Fatal("subscriber should be removed from map after Unsubscribe")
	}
}

func TestBrokerConcurrentSubscribe(t *testing.T) {
	broker := &Broker{
		subscribers: make(map[chan []byte]string),
		logger:      testLogger(),
	}

	const numGoroutines = 50
	channels := make([]chan []byte, numGoroutines)

	var wg sync.WaitGroup
	for i := range numGoroutines {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			channels[idx] = broker.Subscribe("user-1")
		}(i)
	}
	wg.Wait()

	broker.mu.RLock()
	count := len(broker.subscribers)
	broker.mu.RUnlock()
	if count != numGoroutines {
		t.Fatalf("expected %d subscribers, got %d", numGoroutines, count)
	}

	event := formatSSE("test", []byte(`{"concurrent":"true"}`))
	broker.broadcast("user-1", event)

	for i, ch := range channels {
		select {
		case got := <-ch:
			if string(got) != string(event) {
				t.Errorf("channel %d: got %q, want %q", i, got, event)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("channel %d: timed out waiting for event", i)
		}
	}

	for i := range numGoroutines {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			broker.Unsubscribe(channels[idx])
		}(i)
	}
	wg.Wait()

	broker.mu.RLock()
	remaining := len(broker.subscribers)
	broker.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("expected 0 subscribers after cleanup, got %d", remaining)
	}
}
