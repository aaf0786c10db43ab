package grader

import (
	"context"
	"errors"
	"testing"

	"github.com/hoangtnm/gradepaper/internal/model"
	"github.com/hoangtnm/gradepaper/internal/session"
)

// fakeCollab returns canned results keyed by the first file name of the
// submission, and counts calls.
type fakeCollab struct {
	calls   int
	results map[string]*model.GradingResult
	errs    map[string]error
}

func (f *fakeCollab) Grade(_ context.Context, _, files []model.FileRecord) (*model.GradingResult, error) {
	f.calls++
	key := ""
	if len(files) > 0 {
		key = files[0].Name
	}
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if r, ok := f.results[key]; ok {
		return r, nil
	}
	return &model.GradingResult{MaxTotalScore: 10}, nil
}

type fakeArchive struct {
	runs []model.RunRecord
}

func (f *fakeArchive) RecordRun(run model.RunRecord) (int64, error) {
	f.runs = append(f.runs, run)
	return int64(len(f.runs)), nil
}

func newTestSession(t *testing.T, fileNames ...string) (*session.Session, []string) {
	t.Helper()
	s := session.New("")
	s.AddAnswerKey(model.FileRecord{Name: "key.png", MimeType: "image/png", Payload: "aGk="})
	ids := make([]string, 0, len(fileNames))
	for _, name := range fileNames {
		sub := s.CreateSubmission([]model.FileRecord{{Name: name, MimeType: "image/png", Payload: "aGk="}})
		ids = append(ids, sub.ID)
	}
	return s, ids
}

func TestRunFailureIsolation(t *testing.T) {
	s, ids := newTestSession(t, "a.png", "b.png")
	collab := &fakeCollab{
		results: map[string]*model.GradingResult{
			"a.png": {
				StudentName:   "An",
				TotalScore:    8,
				MaxTotalScore: 10,
				QuestionScores: []model.QuestionScore{
					{QuestionID: "Câu 1", Score: 8, MaxScore: 10, Feedback: "tốt"},
				},
			},
		},
		errs: map[string]error{"b.png": errors.New("model unreachable")},
	}

	if !New(s, collab, nil, 0).Run(context.Background()) {
		t.Fatal("Run should claim the free slot")
	}

	a, _ := s.Get(ids[0])
	if a.Status != model.StatusCompleted {
		t.Errorf("a status = %q", a.Status)
	}
	if a.Result == nil || a.Result.TotalScore != 8 {
		t.Errorf("a result = %+v", a.Result)
	}
	if a.DisplayName != "An" {
		t.Errorf("a display name = %q, want extracted name", a.DisplayName)
	}

	b, _ := s.Get(ids[1])
	if b.Status != model.StatusFailed {
		t.Errorf("b status = %q, failure must not abort the run", b.Status)
	}
	if b.Error == "" {
		t.Error("b should carry a non-empty error")
	}

	if collab.calls != 2 {
		t.Errorf("calls = %d, want 2", collab.calls)
	}
	if got := s.Step(); got != model.StepResults {
		t.Errorf("step after run = %v", got)
	}
}

func TestRunSkipsCompleted(t *testing.T) {
	s, ids := newTestSession(t, "a.png", "b.png")
	collab := &fakeCollab{errs: map[string]error{"b.png": errors.New("boom")}}

	r := New(s, collab, nil, 0)
	r.Run(context.Background())
	if collab.calls != 2 {
		t.Fatalf("first run calls = %d", collab.calls)
	}

	// A second run retries the failed submission but not the completed one.
	r.Run(context.Background())
	if collab.calls != 3 {
		t.Errorf("second run calls = %d, want 3", collab.calls)
	}
	b, _ := s.Get(ids[1])
	if b.Status != model.StatusFailed {
		t.Errorf("b status after retry = %q", b.Status)
	}

	// Once everything is completed a re-run makes no calls at all.
	s.SetStatus(ids[1], model.StatusCompleted, &model.GradingResult{MaxTotalScore: 10}, "")
	r.Run(context.Background())
	if collab.calls != 3 {
		t.Errorf("idempotent run calls = %d, want 3", collab.calls)
	}
}

func TestRunEmptyRoster(t *testing.T) {
	s, _ := newTestSession(t)
	collab := &fakeCollab{}

	if !New(s, collab, nil, 0).Run(context.Background()) {
		t.Fatal("Run should succeed on an empty roster")
	}
	if collab.calls != 0 {
		t.Errorf("calls = %d, want 0", collab.calls)
	}
	if got := s.Step(); got != model.StepResults {
		t.Errorf("step = %v, want results even with nothing to grade", got)
	}
}

func TestRunCancelledContext(t *testing.T) {
	s, ids := newTestSession(t, "a.png", "b.png")
	collab := &fakeCollab{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	New(s, collab, nil, 0).Run(ctx)

	if collab.calls != 0 {
		t.Errorf("calls = %d, cancelled run should not call the collaborator", collab.calls)
	}
	for _, id := range ids {
		sub, _ := s.Get(id)
		if !sub.Status.Terminal() {
			t.Errorf("submission %s status = %q, want terminal", id, sub.Status)
		}
		if sub.Status != model.StatusFailed {
			t.Errorf("submission %s status = %q, want failed", id, sub.Status)
		}
	}
}

func TestRunBusySlot(t *testing.T) {
	s, _ := newTestSession(t, "a.png")
	if !s.BeginRun() {
		t.Fatal("BeginRun")
	}
	collab := &fakeCollab{}
	if New(s, collab, nil, 0).Run(context.Background()) {
		t.Error("Run should refuse while another run holds the slot")
	}
	if collab.calls != 0 {
		t.Errorf("calls = %d, want 0", collab.calls)
	}
}

func TestRunArchives(t *testing.T) {
	s, _ := newTestSession(t, "a.png", "b.png")
	collab := &fakeCollab{errs: map[string]error{"b.png": errors.New("boom")}}
	archive := &fakeArchive{}

	New(s, collab, archive, 0).Run(context.Background())

	if len(archive.runs) != 1 {
		t.Fatalf("archived runs = %d, want 1", len(archive.runs))
	}
	run := archive.runs[0]
	if len(run.Results) != 2 {
		t.Fatalf("run results = %d, want 2", len(run.Results))
	}
	if run.Results[0].Position != 1 || run.Results[1].Position != 2 {
		t.Error("positions should be 1-based insertion order")
	}
	if run.Results[0].Status != model.StatusCompleted || run.Results[0].Result == nil {
		t.Errorf("first result: %+v", run.Results[0])
	}
	if run.Results[1].Status != model.StatusFailed || run.Results[1].Error == "" {
		t.Errorf("second result: %+v", run.Results[1])
	}
	if run.FinishedAt.Before(run.StartedAt) {
		t.Error("finished before started")
	}
}
