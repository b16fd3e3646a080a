package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lumenic/factsheet/internal/model"
	"github.com/lumenic/factsheet/internal/orchestrator"
	"github.com/lumenic/factsheet/internal/storage"
)

// ssePayload is the wire shape of a broadcast event — the JSON that both
// in-process subscribers and Postgres NOTIFY listeners receive.
type ssePayload struct {
	Subject   string           `json:"subject"`
	Updated   []string         `json:"updated,omitempty"`
	Profile   model.Profile    `json:"profile,omitempty"`
	Rejected  []model.Rejection `json:"rejected,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Broker fans out orchestrator events to per-subject SSE subscribers. When a
// Postgres *storage.DB with a dedicated notify connection is supplied, it
// also publishes each event over LISTEN/NOTIFY and folds in events received
// from other processes sharing the same database — the one cross-process
// fan-out path this system supports (spec.md's "no SSE fan-out beyond a
// single process's Postgres LISTEN/NOTIFY connection").
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]string // channel -> subject scope

	unsubscribe func()
}

// NewBroker builds a Broker bound to orch's in-process event stream. db may
// be nil (memory/Redis backends have no cross-process fan-out); when non-nil
// it must have been opened with a notify DSN so Listen/WaitForNotification work.
func NewBroker(orch *orchestrator.Orchestrator, db *storage.DB, logger *slog.Logger) *Broker {
	b := &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]string),
	}
	b.unsubscribe = orch.Subscribe(b.handleLocalEvent)
	return b
}

// handleLocalEvent runs on the goroutine that triggered the orchestrator
// event (the request goroutine for sync calls, the async-dispatch worker
// for observe_complete). It must not block.
func (b *Broker) handleLocalEvent(ev orchestrator.Event) {
	payload := ssePayload{Subject: ev.Subject}
	switch ev.Type {
	case orchestrator.EventUpdate:
		payload.Updated = ev.Updated
		payload.Profile = ev.Profile
	case orchestrator.EventConflict:
		payload.Rejected = ev.Rejected
	case orchestrator.EventObserveComplete:
		payload.RequestID = ev.RequestID
		if ev.Err != nil {
			payload.Error = ev.Err.Error()
		} else if ev.Result != nil {
			payload.Profile = ev.Result.Profile
			payload.Updated = ev.Result.Updated
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("broker: marshal event payload", "error", err)
		return
	}

	b.broadcast(ev.Subject, formatSSE(string(ev.Type), raw))

	if b.db != nil {
		channel := storage.ChannelUpdates
		if ev.Type == orchestrator.EventConflict {
			channel = storage.ChannelConflicts
		}
		if err := b.db.Notify(context.Background(), channel, string(raw)); err != nil {
			b.logger.Warn("broker: notify failed", "error", err)
		}
	}
}

// Start begins listening for cross-process notifications. It blocks, so
// call it in a goroutine; it returns immediately (a no-op) if this Broker
// has no Postgres connection. Each Listen call is retried with exponential
// backoff to ride out transient connection issues during startup.
func (b *Broker) Start(ctx context.Context) {
	if b.db == nil {
		return
	}

	for _, ch := range []string{storage.ChannelUpdates, storage.ChannelConflicts} {
		if err := b.listenWithRetry(ctx, ch); err != nil {
			b.logger.Error("broker: failed to listen after retries, giving up", "channel", ch, "error", err)
			return
		}
	}

	b.logger.Info("broker: listening for cross-process notifications",
		"channels", []string{storage.ChannelUpdates, storage.ChannelConflicts})

	for {
		channel, raw, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}

		subject := extractSubject(raw)
		eventType := string(orchestrator.EventUpdate)
		if channel == storage.ChannelConflicts {
			eventType = string(orchestrator.EventConflict)
		}
		b.broadcast(subject, formatSSE(eventType, []byte(raw)))
	}
}

func (b *Broker) listenWithRetry(ctx context.Context, ch string) error {
	const maxAttempts = 5
	var err error
	for attempt := range maxAttempts {
		if err = b.db.Listen(ctx, ch); err == nil {
			return nil
		}
		backoff := time.Duration(1<<attempt) * time.Second
		b.logger.Warn("broker: listen failed, retrying", "channel", ch, "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("broker: listen %s failed after %d attempts: %w", ch, maxAttempts, err)
}

// Subscribe returns a channel that receives SSE-formatted events scoped to
// subject. Call Unsubscribe when the client disconnects.
func (b *Broker) Subscribe(subject string) chan []byte {
	ch := make(chan []byte, 64) // buffered so a slow client can't stall the broadcaster
	b.mu.Lock()
	b.subscribers[ch] = subject
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// Close detaches the Broker from the orchestrator's event stream.
func (b *Broker) Close() {
	b.unsubscribe()
}

// broadcast sends event to every subscriber scoped to subject. Subscribers
// with a full buffer are skipped rather than blocked — a slow client must
// never hold up the request goroutine or the notification loop.
func (b *Broker) broadcast(subject string, event []byte) {
	if subject == "" {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, sub := range b.subscribers {
		if sub != subject {
			continue
		}
		select {
		case ch <- event:
		default:
			b.logger.Warn("broker: dropped event for slow subscriber", "subject", subject, "buffer_cap", cap(ch))
		}
	}
}

// extractSubject parses the notification payload JSON to find the subject
// field. Returns "" if the payload is not valid JSON or lacks one.
func extractSubject(payload string) string {
	var p struct {
		Subject string `json:"subject"`
	}
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return ""
	}
	return p.Subject
}

// formatSSE formats a notification as a Server-Sent Events message. Per the
// SSE spec, each line in a multi-line data field must be prefixed with
// "data: " to avoid desynchronizing the client parser.
func formatSSE(eventType string, data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(eventType)
	buf.WriteByte('\n')
	for _, line := range strings.Split(string(data), "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}
