package archiver

import (
	"context"
	"time"

	"github.com/Jeffrey0117/tampermonkey-lurl-download/downloader"
	"github.com/Jeffrey0117/tampermonkey-lurl-download/utils"
)

// TryRetryMissing runs RetryMissing unless a batch is already in flight
// on this service, in which case it reports skipped=true without
// touching the browser. The guard gives the admin endpoint a conflict
// signal instead of two overlapping sweeps of the same missing records.
func (s *Service) TryRetryMissing(ctx context.Context, progress func(downloader.Progress)) (BatchResult, bool, error) {
	if !s.retrying.CompareAndSwap(false, true) {
		return BatchResult{}, true, nil
	}
	defer s.retrying.Store(false)

	res, err := s.RetryMissing(ctx, progress)
	return res, false, err
}

// StartRetryScheduler launches a background loop that retries missing
// records every interval. Best-effort: failures are logged and the next
// tick tries again. A zero interval disables the loop.
func (s *Service) StartRetryScheduler(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		for {
			// Sleep first to avoid racing immediately at startup
			time.Sleep(interval)

			res, skipped, err := s.TryRetryMissing(context.Background(), nil)
			if skipped {
				utils.Sugar.Debug("scheduled retry skipped, batch already running")
				continue
			}
			if err != nil {
				utils.Sugar.Warnf("scheduled retry failed: %v", err)
				continue
			}
			if res.Total > 0 {
				utils.Sugar.Infof("scheduled retry done success=%d total=%d", res.SuccessCount, res.Total)
			}
		}
	}()
}
