package noop

import (
	"context"

	"github.com/geeknoid/cargo-rank/results"
)

// Format discards the results. It backs the "none" format, used when only
// the exit code or the metrics file matters.
type Format struct {
}

func (f *Format) Format(ctx context.Context, set *results.Set) error {
	return nil
}
