// Package events carries the protocol's structured notifications. Components
// emit an Event only after a call has fully committed, so a rolled back call
// never leaves a trace here.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Type names an event kind.
type Type string

const (
	CommitmentCreated   Type = "commitment_created"
	CommitmentAllocated Type = "commitment_allocated"
	ValueUpdated        Type = "value_updated"
	Violation           Type = "violation"
	Settled             Type = "settled"
	EarlyExit           Type = "early_exit"
	AttestationRecorded Type = "attestation_recorded"
	VerifierUpdated     Type = "verifier_updated"
	EmergencyMode       Type = "emergency_mode"
	EmergencyWithdraw   Type = "emergency_withdraw"
	EmergencySettle     Type = "emergency_settle"
	EmergencyUpdate     Type = "emergency_update"
	PoolRegistered      Type = "pool_registered"
	PoolUpdated         Type = "pool_updated"
	PoolAllocated       Type = "pool_allocated"
	PoolReleased        Type = "pool_released"
	Rebalanced          Type = "allocation_rebalanced"
	AttestationBatch    Type = "attestation_batch"
)

// Event is one notification.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Subject   string         `json:"subject"`
	Actor     string         `json:"actor,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Emitter receives committed events.
type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }

// Multi fans an event out to every emitter and joins their errors.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, em := range m {
		if em == nil {
			continue
		}
		if err := em.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JSONWriter writes one JSON line per event.
type JSONWriter struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewJSONWriter creates a JSONWriter on w, or stdout when w is nil.
func NewJSONWriter(w io.Writer) *JSONWriter {
	if w == nil {
		w = os.Stdout
	}
	return &JSONWriter{writer: w}
}

func (j *JSONWriter) Emit(_ context.Context, e Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	// Prefix with EVENT: for easy filtering
	_, err = j.writer.Write(append([]byte("EVENT: "), append(raw, '\n')...))
	return err
}
