// Package stream coordinates ordered, idempotently-terminated token
// streams. Sequence counters and completion flags live in the shared kv
// store; events go out over the pub/sub transport. Consumers reconstruct
// order from the seq field, buffering ahead-of-sequence events.
package stream

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"planloom.app/agent/internal/kv"
)

// Event names distinguish in-progress token delivery from terminal signals.
const (
	EventStarted   = "agent.stream.started"
	EventToken     = "agent.stream.token"
	EventCompleted = "agent.stream.completed"
	EventCancelled = "agent.stream.cancelled"
	EventError     = "agent.stream.error"
)

const (
	// seqTTL is a sliding cleanup net; the key is actively deleted on
	// normal completion.
	seqTTL = 15 * time.Minute

	// doneTTL keeps the completion flag answering "already done" across
	// late retries after the seq key is gone.
	doneTTL = 5 * time.Minute
)

// Terminal outcome markers stored in the completion flag.
const (
	outcomeCompleted = "completed"
	outcomeCancelled = "cancelled"
	outcomeError     = "error"
)

// Stream identifies one run's token stream and its transport channel.
type Stream struct {
	ID       string
	ThreadID int64
	RunID    int64
}

// Channel is the thread-scoped transport channel the stream publishes to.
func (s Stream) Channel() string {
	return fmt.Sprintf("agent.thread.%d", s.ThreadID)
}

// Event is the wire-level schema of every published stream event.
type Event struct {
	Token        *string `json:"token"`
	Seq          int64   `json:"seq,omitempty"`
	StreamID     string  `json:"stream_id"`
	RunID        int64   `json:"run_id"`
	Done         bool    `json:"done"`
	FullResponse string  `json:"full_response,omitempty"`
	Reason       string  `json:"reason,omitempty"`
}

type Coordinator struct {
	kv  kv.Store
	pub Publisher
}

func NewCoordinator(kvStore kv.Store, pub Publisher) *Coordinator {
	return &Coordinator{kv: kvStore, pub: pub}
}

func seqKey(streamID string) string {
	return fmt.Sprintf("ai:seq:%s", streamID)
}

func doneKey(streamID string) string {
	return fmt.Sprintf("ai:done:%s", streamID)
}

// Start announces a new stream for a run and returns its handle.
func (c *Coordinator) Start(ctx context.Context, threadID, runID int64) (Stream, error) {
	nonce := make([]byte, 6)
	if _, err := rand.Read(nonce); err != nil {
		return Stream{}, fmt.Errorf("generating stream nonce: %w", err)
	}

	s := Stream{
		ID:       fmt.Sprintf("stream_%d_%s", runID, hex.EncodeToString(nonce)),
		ThreadID: threadID,
		RunID:    runID,
	}

	event := Event{StreamID: s.ID, RunID: runID}
	if err := c.pub.Publish(ctx, s.Channel(), EventStarted, event); err != nil {
		return Stream{}, err
	}

	slog.InfoContext(ctx, "stream started", "stream_id", s.ID, "run_id", runID)
	return s, nil
}

// StreamToken assigns the next sequence number and publishes the token.
// The increment is atomic and refreshes the counter's TTL on every call,
// so sequence numbers are strictly increasing with no gaps.
func (c *Coordinator) StreamToken(ctx context.Context, s Stream, token string) error {
	seq, err := c.kv.Increment(ctx, seqKey(s.ID), seqTTL)
	if err != nil {
		return fmt.Errorf("advancing stream sequence: %w", err)
	}

	event := Event{
		Token:    &token,
		Seq:      seq,
		StreamID: s.ID,
		RunID:    s.RunID,
	}
	return c.pub.Publish(ctx, s.Channel(), EventToken, event)
}

// EndStream terminates the stream exactly once. The first caller wins the
// completion flag, publishes the terminal event carrying the full response,
// and deletes the sequence key. Any later caller gets false and publishes
// nothing; that is the idempotent case, not an error.
func (c *Coordinator) EndStream(ctx context.Context, s Stream, fullResponse string) (bool, error) {
	return c.terminate(ctx, s, outcomeCompleted, EventCompleted, Event{
		StreamID:     s.ID,
		RunID:        s.RunID,
		Done:         true,
		FullResponse: fullResponse,
	})
}

// CancelStream publishes a terminal cancellation event. It competes for the
// same completion flag as EndStream: a cancellation and a normal completion
// are mutually exclusive, whichever commits first wins.
func (c *Coordinator) CancelStream(ctx context.Context, s Stream, reason string) (bool, error) {
	if reason == "" {
		reason = "cancelled"
	}
	return c.terminate(ctx, s, outcomeCancelled, EventCancelled, Event{
		StreamID: s.ID,
		RunID:    s.RunID,
		Done:     true,
		Reason:   reason,
	})
}

// StreamError publishes a terminal error event, under the same
// first-writer-wins contract.
func (c *Coordinator) StreamError(ctx context.Context, s Stream, errMsg string) (bool, error) {
	return c.terminate(ctx, s, outcomeError, EventError, Event{
		StreamID: s.ID,
		RunID:    s.RunID,
		Done:     true,
		Reason:   errMsg,
	})
}

func (c *Coordinator) terminate(ctx context.Context, s Stream, outcome, eventName string, event Event) (bool, error) {
	won, err := c.kv.SetIfAbsent(ctx, doneKey(s.ID), outcome, doneTTL)
	if err != nil {
		return false, fmt.Errorf("setting completion flag: %w", err)
	}
	if !won {
		slog.DebugContext(ctx, "stream already terminated", "stream_id", s.ID, "outcome", outcome)
		return false, nil
	}

	seq, err := c.kv.Increment(ctx, seqKey(s.ID), seqTTL)
	if err != nil {
		return false, fmt.Errorf("advancing stream sequence: %w", err)
	}
	event.Seq = seq

	if err := c.pub.Publish(ctx, s.Channel(), eventName, event); err != nil {
		return false, err
	}

	// The completion flag deliberately outlives the counter so retries keep
	// getting "already done" until its TTL lapses.
	if err := c.kv.Delete(ctx, seqKey(s.ID)); err != nil {
		slog.WarnContext(ctx, "failed to delete stream sequence key",
			"stream_id", s.ID, "error", err)
	}

	slog.InfoContext(ctx, "stream terminated",
		"stream_id", s.ID, "run_id", s.RunID, "outcome", outcome, "final_seq", seq)
	return true, nil
}
