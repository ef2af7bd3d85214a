package orchestrator

import (
	"context"
	"log"

	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/review"
	"github.com/aristath/autopilot/internal/scheduler"
)

// processReviews applies the verdict of every finished review: a pass closes
// the task, a failure blocks it on its follow-ups and reopens it. Checked at
// most once per cache TTL.
func (o *Orchestrator) processReviews(ctx context.Context) {
	if o.review == nil {
		return
	}
	now := o.now()
	if !o.reviewChecked.IsZero() && now.Sub(o.reviewChecked) < o.cfg.CacheTTL {
		return
	}
	o.reviewChecked = now

	pending, err := o.review.PendingReviews(ctx)
	if err != nil {
		log.Printf("ERROR: failed to list pending reviews: %v", err)
		return
	}

	for _, taskID := range pending {
		done, err := o.review.IsReviewComplete(ctx, taskID)
		if err != nil {
			log.Printf("ERROR: failed to check review of %s: %v", taskID, err)
			continue
		}
		if !done {
			continue
		}

		res, err := o.review.ReviewResult(ctx, taskID)
		if err != nil {
			log.Printf("ERROR: failed to read review of %s: %v", taskID, err)
			continue
		}
		o.applyReview(ctx, taskID, res)
	}
}

func (o *Orchestrator) applyReview(ctx context.Context, taskID string, res *review.Result) {
	if res.Passed {
		if o.land(ctx, taskID, "") {
			o.storeOp(ctx, "close reviewed task "+taskID, func(ctx context.Context) error {
				return o.store.Update(ctx, taskID, scheduler.TaskUpdate{Status: scheduler.StatusPtr(scheduler.TaskDone)})
			})
		}
		log.Printf("Task %s passed review", taskID)
	} else {
		for _, f := range res.FollowUps {
			o.storeOp(ctx, "block "+taskID+" on follow-up "+f, func(ctx context.Context) error {
				return o.store.AddDependency(ctx, taskID, f)
			})
		}
		o.storeOp(ctx, "reopen reviewed task "+taskID, func(ctx context.Context) error {
			return o.store.Reopen(ctx, taskID)
		})
		log.Printf("Task %s failed review (%d follow-up(s)): %v", taskID, len(res.FollowUps), res.Issues)
	}

	o.ready.invalidate()
	o.bus.Publish(events.TopicTask, events.ReviewFinishedEvent{
		ID:        taskID,
		Passed:    res.Passed,
		FollowUps: res.FollowUps,
		Timestamp: o.now(),
	})
}
