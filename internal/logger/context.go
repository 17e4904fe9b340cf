package logger

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// WithContext stores l in ctx.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or slog.Default when there is
// none. It never returns nil.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// With extends the logger already carried by ctx (or base when ctx has none)
// with args, and returns both the derived context and the new logger.
func With(ctx context.Context, base *slog.Logger, args ...any) (context.Context, *slog.Logger) {
	l, ok := ctx.Value(ctxKey{}).(*slog.Logger)
	if !ok || l == nil {
		l = OrDefault(base)
	}
	l = l.With(args...)
	return WithContext(ctx, l), l
}
