package scheduler

import (
	"context"
	"fmt"

	indexsync "github.com/wesm/mailindex/internal/sync"
)

// Runner is the indexing surface driven by IndexFunc. *sync.Indexer
// implements it.
type Runner interface {
	RunFull(ctx context.Context, userID string, onProgress indexsync.ProgressFunc) (*indexsync.FullResult, error)
	RunIncremental(ctx context.Context, userID string) (*indexsync.IncrementalResult, error)
}

// IndexFunc returns a PassFunc that runs the requested pass on r.
func IndexFunc(r Runner) PassFunc {
	return func(ctx context.Context, userID string, kind PassKind) (*PassReport, error) {
		switch kind {
		case PassFull:
			res, err := r.RunFull(ctx, userID, nil)
			if err != nil {
				return nil, err
			}
			return &PassReport{
				Processed: res.Processed,
				Repaired:  res.Repaired,
				Skipped:   res.Skipped,
				Errors:    len(res.Errors),
				Deferred:  len(res.Deferred),
				Complete:  res.IsComplete,
				Locked:    res.Locked,
				Cancelled: res.Cancelled,
			}, nil

		case PassIncremental:
			res, err := r.RunIncremental(ctx, userID)
			if err != nil {
				return nil, err
			}
			return &PassReport{
				Processed: res.Processed,
				Repaired:  res.Repaired,
				Skipped:   res.Skipped,
				Errors:    len(res.Errors),
				Deferred:  len(res.Deferred),
				Complete:  !res.Locked && !res.Cancelled && len(res.Deferred) == 0,
				Locked:    res.Locked,
				Cancelled: res.Cancelled,
			}, nil
		}
		return nil, fmt.Errorf("unknown pass kind %q", kind)
	}
}
