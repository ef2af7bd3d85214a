// Package review hands finished work to a reviewer agent as an ordinary task
// and reads the verdict back from that task's state.
package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aristath/autopilot/internal/scheduler"
)

// Labels used to link review tasks and follow-ups to the task under review.
const (
	LabelReview           = "review"
	LabelReviewOfPrefix   = "review-of:"
	LabelFollowUpPrefix   = "follow-up:"
	LabelChangesRequested = "changes-requested"
)

var (
	// ErrNoReview is returned when a task has never been sent for review.
	ErrNoReview = errors.New("no review task")
	// ErrReviewPending is returned when the review task is still open.
	ErrReviewPending = errors.New("review not complete")
)

// Store is the part of the task store the reviewer needs.
type Store interface {
	Find(ctx context.Context, idOrPrefix string) (*scheduler.Task, error)
	Create(ctx context.Context, draft scheduler.TaskDraft) (*scheduler.Task, error)
	Update(ctx context.Context, id string, u scheduler.TaskUpdate) error
	TasksWithLabel(ctx context.Context, label string) ([]*scheduler.Task, error)
}

// Result is the verdict of a finished review.
type Result struct {
	ReviewTaskID string
	Passed       bool
	Issues       []string
	FollowUps    []string
}

// TaskReviewer creates one review task per review request, assigned to the
// reviewer agent. All state lives in the store, so reviews survive restarts.
type TaskReviewer struct {
	store    Store
	reviewer string
}

// NewTaskReviewer creates a reviewer that assigns review tasks to agent.
func NewTaskReviewer(store Store, agent string) *TaskReviewer {
	return &TaskReviewer{store: store, reviewer: agent}
}

// Reviewer returns the agent that review tasks are assigned to.
func (r *TaskReviewer) Reviewer() string {
	return r.reviewer
}

// TriggerReview creates a review task for taskID and moves the task to review.
// author is the agent whose work is being reviewed.
func (r *TaskReviewer) TriggerReview(ctx context.Context, taskID, author string) error {
	task, err := r.store.Find(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	if task.HasLabel(LabelReview) {
		return fmt.Errorf("task %s is itself a review", task.ID)
	}

	draft := scheduler.TaskDraft{
		Title:       fmt.Sprintf("Review: %s", task.Title),
		Description: reviewDescription(task, author),
		Priority:    task.Priority,
		Complexity:  scheduler.ComplexitySimple,
		Size:        scheduler.SizeS,
		Labels:      []string{LabelReview, LabelReviewOfPrefix + task.ID},
		Agent:       r.reviewer,
	}
	rt, err := r.store.Create(ctx, draft)
	if err != nil {
		return fmt.Errorf("failed to create review task for %s: %w", task.ID, err)
	}

	if err := r.store.Update(ctx, task.ID, scheduler.TaskUpdate{
		Status: scheduler.StatusPtr(scheduler.TaskReview),
	}); err != nil {
		err = fmt.Errorf("failed to move %s to review: %w", task.ID, err)
		// A review task left open would be dispatched with nothing to report to.
		if cerr := r.store.Update(ctx, rt.ID, scheduler.TaskUpdate{
			Status: scheduler.StatusPtr(scheduler.TaskCancelled),
		}); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to cancel review task %s: %w", rt.ID, cerr))
		}
		return err
	}
	return nil
}

func reviewDescription(task *scheduler.Task, author string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the work done by %s on task %s (%s).\n\n", author, task.ID, task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Original description:\n%s\n\n", task.Description)
	}
	fmt.Fprintf(&b, "Exit successfully if the work is acceptable. If changes are needed, "+
		"label this task %q and create follow-up tasks labelled %q.\n",
		LabelChangesRequested, LabelFollowUpPrefix+task.ID)
	return b.String()
}

// PendingReviews returns the IDs of tasks in review status that have a review task.
func (r *TaskReviewer) PendingReviews(ctx context.Context) ([]string, error) {
	reviews, err := r.store.TasksWithLabel(ctx, LabelReview)
	if err != nil {
		return nil, fmt.Errorf("failed to list review tasks: %w", err)
	}

	seen := make(map[string]bool)
	var pending []string
	for _, rt := range reviews {
		id := ReviewedTaskID(rt)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		task, err := r.store.Find(ctx, id)
		if err != nil {
			continue
		}
		if task.Status == scheduler.TaskReview {
			pending = append(pending, id)
		}
	}
	sort.Strings(pending)
	return pending, nil
}

// IsReviewComplete reports whether the latest review task for taskID is closed.
func (r *TaskReviewer) IsReviewComplete(ctx context.Context, taskID string) (bool, error) {
	rt, err := r.latestReview(ctx, taskID)
	if err != nil {
		return false, err
	}
	return rt.Status.Closed(), nil
}

// ReviewResult reads the verdict of the latest review of taskID. A review
// passes when its task is done without the changes-requested label.
func (r *TaskReviewer) ReviewResult(ctx context.Context, taskID string) (*Result, error) {
	rt, err := r.latestReview(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !rt.Status.Closed() {
		return nil, ErrReviewPending
	}

	res := &Result{ReviewTaskID: rt.ID}
	switch {
	case rt.Status == scheduler.TaskCancelled:
		res.Issues = append(res.Issues, "review task was cancelled")
	case rt.HasLabel(LabelChangesRequested):
		res.Issues = append(res.Issues, "reviewer requested changes")
	default:
		res.Passed = true
	}

	followUps, err := r.store.TasksWithLabel(ctx, LabelFollowUpPrefix+taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list follow-ups for %s: %w", taskID, err)
	}
	for _, t := range followUps {
		if t.Status.Closed() {
			continue
		}
		res.FollowUps = append(res.FollowUps, t.ID)
		res.Issues = append(res.Issues, t.Title)
	}
	if len(res.FollowUps) > 0 {
		res.Passed = false
	}
	return res, nil
}

func (r *TaskReviewer) latestReview(ctx context.Context, taskID string) (*scheduler.Task, error) {
	reviews, err := r.store.TasksWithLabel(ctx, LabelReviewOfPrefix+taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews for %s: %w", taskID, err)
	}
	if len(reviews) == 0 {
		return nil, fmt.Errorf("%s: %w", taskID, ErrNoReview)
	}
	// An open review always wins over closed ones from earlier rounds.
	latest := reviews[0]
	for _, rt := range reviews[1:] {
		if newerReview(rt, latest) {
			latest = rt
		}
	}
	return latest, nil
}

func newerReview(a, b *scheduler.Task) bool {
	if a.Status.Closed() != b.Status.Closed() {
		return !a.Status.Closed()
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// ReviewedTaskID returns the ID a review task points at, or "".
func ReviewedTaskID(t *scheduler.Task) string {
	for _, l := range t.Labels {
		if id, ok := strings.CutPrefix(l, LabelReviewOfPrefix); ok {
			return id
		}
	}
	return ""
}
