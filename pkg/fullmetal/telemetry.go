package fullmetal

import (
	"context"
	"log/slog"
)

// Reporter receives every error the client catches, with context such as
// the failing event and connection state. Implementations must be safe
// for concurrent use and must not block for long.
type Reporter interface {
	Report(ctx context.Context, err error, extras map[string]any)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, err error, extras map[string]any)

func (f ReporterFunc) Report(ctx context.Context, err error, extras map[string]any) {
	f(ctx, err, extras)
}

// LogReporter reports errors to a slog.Logger. It is the default Reporter.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Report(ctx context.Context, err error, extras map[string]any) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]any, 0, 2+2*len(extras))
	attrs = append(attrs, "error", err)
	for k, v := range extras {
		attrs = append(attrs, k, v)
	}
	logger.ErrorContext(ctx, "Client error", attrs...)
}

// MultiReporter fans a report out to several reporters in order.
type MultiReporter []Reporter

func (m MultiReporter) Report(ctx context.Context, err error, extras map[string]any) {
	for _, r := range m {
		if r != nil {
			r.Report(ctx, err, extras)
		}
	}
}
