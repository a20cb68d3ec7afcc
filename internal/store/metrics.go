package store

import (
	"context"
	"time"

	"gitea.jw6.us/james/outlookcal/internal/metrics"
)

func observeStore(ctx context.Context, operation, backend string) func() {
	start := time.Now()
	return func() {
		metrics.ObserveStoreLatency(ctx, operation, backend, start)
	}
}
