package waitlist

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/joyent-labs/cnapi-core/internal/store"
	v1 "github.com/joyent-labs/cnapi-core/pkg/api/v1"
)

const sweepPageSize = 500

// sweepLoop is the retention sweeper from spec.md §4.4: terminal tickets
// older than retention are deleted, firing at most once per sweepInterval
// (the config default is one minute).
func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Scheduler) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)

	for _, status := range []v1.TicketStatus{v1.TicketStatusFinished, v1.TicketStatusExpired} {
		for {
			recs, err := s.store.Find(ctx, store.BucketWaitlistTickets, store.Filter{
				{Field: "status", Op: store.OpEq, Value: string(status)},
				{Field: "updated_at", Op: store.OpLt, Value: cutoff},
			}, store.FindOptions{Limit: sweepPageSize})
			if err != nil {
				s.logger.Warn("retention sweep find failed", zap.Error(err))
				break
			}
			if len(recs) == 0 {
				break
			}
			for _, rec := range recs {
				if err := s.store.Delete(ctx, store.BucketWaitlistTickets, rec.Key); err != nil {
					s.logger.Warn("retention sweep delete failed", zap.Error(err))
				}
			}
		}
	}
}
