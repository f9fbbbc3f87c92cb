package queue

import (
	"context"

	"go.uber.org/zap"
)

// ErrorReporter receives failures that must not stop the poll loop.
type ErrorReporter interface {
	Report(ctx context.Context, err error, fields ...zap.Field)
}

type LogReporter struct {
	Log *zap.Logger
}

func (r LogReporter) Report(_ context.Context, err error, fields ...zap.Field) {
	if r.Log == nil {
		return
	}
	r.Log.Error("queue item failed", append(fields, zap.Error(err))...)
}
