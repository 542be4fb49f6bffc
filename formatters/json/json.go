package json

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/geeknoid/cargo-rank/results"
)

func NewFormat(out io.Writer) *Format {
	return &Format{out: out}
}

type Format struct {
	out io.Writer
}

func (f *Format) Format(ctx context.Context, set *results.Set) error {
	out := f.out
	if out == nil {
		out = os.Stdout
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(set)
}
