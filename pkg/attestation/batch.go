package attestation

import (
	"context"
	"fmt"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/events"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
)

// DefaultMaxBatchSize caps a RecordBatch call when Config leaves it unset.
const DefaultMaxBatchSize = 50

// BatchMode decides what one invalid item does to the rest of a batch.
type BatchMode string

const (
	// BatchAtomic records nothing unless every item is valid.
	BatchAtomic BatchMode = "atomic"
	// BatchBestEffort records the valid items and reports the others.
	BatchBestEffort BatchMode = "best_effort"
)

// BatchItem is one attestation in a batch. The verifier is shared.
type BatchItem struct {
	CommitmentID string            `json:"commitment_id" yaml:"commitment_id"`
	Type         Type              `json:"type" yaml:"type"`
	Payload      map[string]string `json:"payload,omitempty" yaml:"payload"`
	Compliant    bool              `json:"compliant" yaml:"compliant"`
}

// BatchError reports why one item was not recorded.
type BatchError struct {
	Index        int           `json:"index"`
	CommitmentID string        `json:"commitment_id"`
	Kind         protoerr.Kind `json:"kind,omitempty"`
	Message      string        `json:"message"`
	Err          error         `json:"-"`
}

// BatchResult lists what a batch recorded and what it rejected.
type BatchResult struct {
	Recorded []*Attestation `json:"recorded"`
	Errors   []BatchError   `json:"errors,omitempty"`
}

func batchError(i int, item BatchItem, err error) BatchError {
	return BatchError{
		Index:        i,
		CommitmentID: item.CommitmentID,
		Kind:         protoerr.KindOf(err),
		Message:      err.Error(),
		Err:          err,
	}
}

// RecordBatch records several attestations from one verifier. The verifier
// is authorized and rate limited once for the whole batch. In atomic mode the
// first invalid item fails the call and nothing is stored. In best-effort
// mode invalid items are reported in the result and the rest are stored.
func (e *Engine) RecordBatch(ctx context.Context, verifier string, items []BatchItem, mode BatchMode) (res *BatchResult, err error) {
	ctx, done := e.track(ctx, "record_attestation_batch", "", verifier)
	defer func() { done(err) }()

	release, err := e.guard.Enter()
	if err != nil {
		e.logger.WarnContext(ctx, "reentrant attestation batch rejected", "verifier", verifier)
		return nil, err
	}
	defer release()

	if mode == "" {
		mode = BatchAtomic
	}
	if mode != BatchAtomic && mode != BatchBestEffort {
		return nil, protoerr.Validation(namespace, "mode", fmt.Sprintf("unknown batch mode %q", mode))
	}
	if len(items) == 0 {
		return nil, protoerr.Validation(namespace, "items", "batch is empty")
	}
	if len(items) > e.maxBatch {
		return nil, protoerr.Validation(namespace, "items", fmt.Sprintf("batch of %d exceeds %d", len(items), e.maxBatch))
	}
	if err := e.admit(ctx, verifier, ""); err != nil {
		return nil, err
	}

	res = &BatchResult{}
	ready := make([]*pending, 0, len(items))
	for i, item := range items {
		p, err := e.prepare(ctx, item.CommitmentID, verifier, item.Type, item.Payload, item.Compliant)
		if err != nil {
			res.Errors = append(res.Errors, batchError(i, item, err))
			if mode == BatchAtomic {
				e.logger.WarnContext(ctx, "attestation batch rejected", "verifier", verifier, "index", i, "error", err)
				return res, fmt.Errorf("batch item %d: %w", i, err)
			}
			continue
		}
		ready = append(ready, p)
	}

	if len(ready) > 0 {
		res.Recorded, err = e.commit(ctx, ready)
	}
	e.logger.InfoContext(ctx, "attestation batch recorded", "verifier", verifier, "mode", mode,
		"recorded", len(res.Recorded), "rejected", len(res.Errors))
	e.emit(ctx, events.AttestationBatch, verifier, verifier, map[string]any{
		"mode": string(mode), "recorded": len(res.Recorded), "rejected": len(res.Errors),
	})
	if err != nil {
		return res, err
	}
	return res, nil
}
