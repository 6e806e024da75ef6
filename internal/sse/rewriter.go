package sse

import (
	"context"
	"errors"
	"io"
)

// EmitFunc injects an extra event downstream from inside a rewrite callback.
type EmitFunc func(Event) error

// RewriteFunc inspects one event. Return (ev, true, nil) to emit a
// (possibly replaced) event, (_, false, nil) to drop it. The callback may
// call emit any number of times to inject events first — for example to
// splice a nested response's stream — and may block on async work; the next
// source event is not processed until it returns.
type RewriteFunc func(ctx context.Context, ev Event, emit EmitFunc) (Event, bool, error)

// Rewrite pumps events from src through fn into dst, strictly in order and
// one at a time. Callback errors terminate the stream and are returned to
// the caller. A premature close on the write side stops source reads
// promptly; ctx cancellation does the same and is what aborts any nested
// in-flight work the callback started with the same ctx.
func Rewrite(ctx context.Context, src *Decoder, dst *Writer, fn RewriteFunc) error {
	emit := func(ev Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return dst.Write(ev)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ev, err := src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		out, keep, err := fn(ctx, ev, emit)
		if err != nil {
			return err
		}
		if !keep {
			continue
		}
		if err := dst.Write(out); err != nil {
			return err
		}
	}
}
