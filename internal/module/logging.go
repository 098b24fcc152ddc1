package module

import (
	"context"
	"fmt"
)

// LogFunc receives one progress line emitted during training.
type LogFunc func(line string)

type logFuncKey struct{}

// WithLogFunc returns a context whose Logf calls are delivered to fn.
func WithLogFunc(ctx context.Context, fn LogFunc) context.Context {
	return context.WithValue(ctx, logFuncKey{}, fn)
}

// Logf emits a progress line to the LogFunc attached to ctx, if any.
func Logf(ctx context.Context, format string, args ...any) {
	fn, ok := ctx.Value(logFuncKey{}).(LogFunc)
	if !ok || fn == nil {
		return
	}
	fn(fmt.Sprintf(format, args...))
}
