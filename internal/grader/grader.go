// Package grader drives a grading run: one collaborator call per
// submission, strictly sequential, with per-submission failure isolation.
package grader

import (
	"context"
	"log/slog"
	"time"

	"github.com/hoangtnm/gradepaper/internal/model"
	"github.com/hoangtnm/gradepaper/internal/session"
)

// Collaborator scores one submission against the answer key.
type Collaborator interface {
	Grade(ctx context.Context, answerKey, files []model.FileRecord) (*model.GradingResult, error)
}

// Archiver records a finished run. Best effort: archive failures are logged,
// never surfaced into the session.
type Archiver interface {
	RecordRun(run model.RunRecord) (int64, error)
}

// Runner owns the sequential grading loop over a session.
type Runner struct {
	session *session.Session
	collab  Collaborator
	archive Archiver
	timeout time.Duration
}

// New creates a runner. archive may be nil. timeout bounds each collaborator
// call; 0 disables the bound.
func New(sess *session.Session, collab Collaborator, archive Archiver, timeout time.Duration) *Runner {
	return &Runner{session: sess, collab: collab, archive: archive, timeout: timeout}
}

// Run grades every submission that is not already Completed, in insertion
// order, one call at a time. A failed call marks that submission Failed and
// the loop advances unconditionally; nothing aborts the run. When ctx is
// cancelled the remaining submissions are marked Failed so that every
// submission ends in a terminal state. After the last submission the session
// moves to the results step and the run is archived.
//
// Returns false if another run already holds the grading slot.
func (r *Runner) Run(ctx context.Context) bool {
	if !r.session.BeginRun() {
		return false
	}
	started := time.Now()
	answerKey := r.session.AnswerKey()

	for _, sub := range r.session.Submissions() {
		if sub.Status == model.StatusCompleted {
			continue
		}
		if err := ctx.Err(); err != nil {
			r.session.SetStatus(sub.ID, model.StatusFailed, nil, "grading run cancelled")
			continue
		}

		r.session.SetStatus(sub.ID, model.StatusProcessing, nil, "")
		result, err := r.grade(ctx, answerKey, sub.Files)
		if err != nil {
			slog.Error("grading failed", "submission", sub.ID, "name", sub.DisplayName, "error", err)
			r.session.SetStatus(sub.ID, model.StatusFailed, nil, err.Error())
			continue
		}
		r.session.SetStatus(sub.ID, model.StatusCompleted, result, "")
		slog.Info("graded submission",
			"submission", sub.ID,
			"student", result.StudentName,
			"score", result.TotalScore,
			"max", result.MaxTotalScore,
		)
	}

	r.session.EndRun()
	r.archiveRun(started)
	return true
}

func (r *Runner) grade(ctx context.Context, answerKey, files []model.FileRecord) (*model.GradingResult, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return r.collab.Grade(ctx, answerKey, files)
}

func (r *Runner) archiveRun(started time.Time) {
	if r.archive == nil {
		return
	}
	subs := r.session.Submissions()
	results := make([]model.RunResult, 0, len(subs))
	for i, sub := range subs {
		results = append(results, model.RunResult{
			Position:    i + 1,
			DisplayName: sub.DisplayName,
			Status:      sub.Status,
			Error:       sub.Error,
			Result:      sub.Result,
		})
	}
	id, err := r.archive.RecordRun(model.RunRecord{
		StartedAt:  started,
		FinishedAt: time.Now(),
		Results:    results,
	})
	if err != nil {
		slog.Error("failed to archive grading run", "error", err)
		return
	}
	slog.Info("archived grading run", "run_id", id, "submissions", len(results))
}
