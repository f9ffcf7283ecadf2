package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"flash-reservation/internal/metrics"
	"flash-reservation/internal/models"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// sweepBatchLimit caps how many expired holds one sweep enqueues. A backlog
// larger than this is drained across consecutive runs.
const sweepBatchLimit = 1000

// ExpiredSource finds holds past their expiry. Implemented by *database.DB.
type ExpiredSource interface {
	FindExpired(ctx context.Context, limit int) ([]models.Reservation, error)
}

// CommandPublisher enqueues commands on the sku-keyed log.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, msg *models.Message) error
}

// StartSweeper schedules the expiry sweep on the given interval and starts
// the scheduler. The sweep itself never mutates anything: it enqueues an
// EXPIRE command per stale hold, keyed by the hold's sku, so the release is
// applied by the same single writer as every other transition. A sweep racing
// a concurrent CONFIRM is therefore harmless — both commands reach the same
// writer in some order and the loser observes a terminal status and no-ops.
//
// The returned *cron.Cron must be stopped on shutdown:
//
//	c := StartSweeper(db, pub, cfg.SweeperInterval)
//	defer c.Stop() // waits for a running sweep before returning
func StartSweeper(src ExpiredSource, pub CommandPublisher, interval time.Duration) *cron.Cron {
	c := cron.New()

	// @every accepts any Go duration, so the ms-granularity config maps 1:1.
	_, _ = c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		sweep(ctx, src, pub)
	})

	c.Start()
	slog.Info("expiry sweeper started", "component", "sweeper", "interval", interval.String())
	return c
}

func sweep(ctx context.Context, src ExpiredSource, pub CommandPublisher) {
	expired, err := src.FindExpired(ctx, sweepBatchLimit)
	if err != nil {
		slog.Error("expired scan failed", "component", "sweeper", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	enqueued := 0
	for _, r := range expired {
		msg := &models.Message{
			Type:          models.TypeExpire,
			RequestID:     uuid.New().String(),
			SkuID:         r.SkuID,
			ReservationID: r.ReservationID,
			SubmittedAt:   time.Now().UTC(),
		}
		if err := pub.PublishCommand(ctx, msg); err != nil {
			// Leave it for the next run; the row stays RESERVED until the
			// EXPIRE actually lands.
			slog.Error("expire enqueue failed",
				"component", "sweeper", "reservation_id", r.ReservationID, "error", err)
			continue
		}
		enqueued++
	}

	metrics.SweptHolds.Add(float64(enqueued))
	slog.Info("sweep complete", "component", "sweeper", "expired", len(expired), "enqueued", enqueued)
}
