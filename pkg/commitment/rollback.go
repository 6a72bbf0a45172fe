package commitment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

type compensation struct {
	name string
	undo func(ctx context.Context) error
}

// rollbackJournal records how to undo each effect of an in-flight call.
type rollbackJournal struct {
	steps []compensation
}

func (j *rollbackJournal) record(name string, undo func(ctx context.Context) error) {
	j.steps = append(j.steps, compensation{name: name, undo: undo})
}

// unwind replays compensations newest first and returns cause, joined with
// any compensation that itself failed.
func (j *rollbackJournal) unwind(ctx context.Context, logger *slog.Logger, cause error) error {
	if len(j.steps) == 0 {
		return cause
	}
	var failed []error
	for i := len(j.steps) - 1; i >= 0; i-- {
		step := j.steps[i]
		if err := step.undo(ctx); err != nil {
			failed = append(failed, fmt.Errorf("undo %s: %w", step.name, err))
		}
	}
	j.steps = nil
	if len(failed) > 0 {
		logger.ErrorContext(ctx, "rollback incomplete", "cause", cause, "errors", errors.Join(failed...))
		return errors.Join(append([]error{cause}, failed...)...)
	}
	logger.ErrorContext(ctx, "call rolled back", "cause", cause)
	return cause
}
