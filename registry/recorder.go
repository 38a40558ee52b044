package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/spacebridge/connectivity"
)

// RecordService is the connectivity service rewarding crawls.
const RecordService = "ledger_record_optimization"

// ServiceRecorder records crawls through the connectivity router, retrying
// transient failures with backoff. Permanent answers (pool exhausted,
// invalid record) are returned at once.
type ServiceRecorder struct {
	call connectivity.Handler
}

// NewServiceRecorder builds a recorder calling RecordService on router.
func NewServiceRecorder(router *connectivity.Router, maxRetries int, backoff time.Duration, logger *slog.Logger) *ServiceRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServiceRecorder{
		call: router.Service(RecordService,
			connectivity.Recovery(logger),
			connectivity.WithRetry(maxRetries, backoff, logger),
		),
	}
}

func (s *ServiceRecorder) RecordOptimization(ctx context.Context, rec Record) error {
	return connectivity.CallJSON(ctx, s.call, RecordService, rec, nil)
}

// RecorderFunc adapts a function to a Recorder.
type RecorderFunc func(ctx context.Context, rec Record) error

func (f RecorderFunc) RecordOptimization(ctx context.Context, rec Record) error { return f(ctx, rec) }
